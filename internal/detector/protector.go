package detector

import (
	"path"
	"strings"

	"github.com/apk-analysis/apk-patchkit/internal/bundle"
	"github.com/apk-analysis/apk-patchkit/internal/domain"
)

// ProtectorRule 加固方案指纹
type ProtectorRule struct {
	Name       string   // 方案名称
	NativeLibs []string // 特征 native 库
	ClassPaths []string // 特征类路径（smali 目录形式）
	Priority   int      // 优先级 (越大越优先匹配)
}

// BuiltinProtectors 内置加固指纹库
func BuiltinProtectors() []ProtectorRule {
	return []ProtectorRule{
		{
			Name:       "360 Jiagu",
			NativeLibs: []string{"libjiagu.so", "libjiagu_x86.so", "libjiagu_a64.so"},
			ClassPaths: []string{"com/stub/StubApp", "com/qihoo/util"},
			Priority:   100,
		},
		{
			Name:       "Tencent Legu",
			NativeLibs: []string{"libshell.so", "libshellx.so", "libtxmsecurity.so"},
			ClassPaths: []string{"com/tencent/StubShell"},
			Priority:   100,
		},
		{
			Name:       "Ijiami",
			NativeLibs: []string{"libexec.so", "libexecmain.so"},
			ClassPaths: []string{"com/shell/SuperApplication"},
			Priority:   100,
		},
		{
			Name:       "Bangcle",
			NativeLibs: []string{"libDexHelper.so", "libSecShell.so"},
			ClassPaths: []string{"com/secneo/apkwrapper"},
			Priority:   100,
		},
		{
			Name:       "Nagain",
			NativeLibs: []string{"libnaga.so", "libddog.so"},
			ClassPaths: []string{"com/nagapt/protect"},
			Priority:   95,
		},
		{
			Name:       "NetEase Yidun",
			NativeLibs: []string{"libnesec.so", "libNetHTProtect.so"},
			ClassPaths: []string{"com/netease/nis"},
			Priority:   90,
		},
		{
			Name:       "DexGuard",
			ClassPaths: []string{"com/guardsquare/dexguard"},
			Priority:   80,
		},
	}
}

// fingerprint 根据文件路径识别加固方案
// 置信度：native 库命中 +0.4，类路径命中 +0.3，达到 0.4 视为命中
func (d *Detector) fingerprint(files []bundle.FileArtifact) []domain.ProtectorMatch {
	var libs, dirs []string
	for _, f := range files {
		if strings.HasPrefix(f.Path, "lib/") && strings.HasSuffix(f.Path, ".so") {
			libs = append(libs, path.Base(f.Path))
		}
		if strings.HasSuffix(f.Path, ".smali") {
			dirs = append(dirs, f.Path)
		}
	}

	var out []domain.ProtectorMatch
	for _, rule := range d.protectors {
		confidence := 0.0
		var indicators []string
		for _, want := range rule.NativeLibs {
			for _, lib := range libs {
				if matchLibName(want, lib) {
					confidence += 0.4
					indicators = append(indicators, "native_lib:"+lib)
				}
			}
		}
		for _, cp := range rule.ClassPaths {
			for _, p := range dirs {
				if strings.Contains(p, "/"+cp) || strings.HasPrefix(p, cp) {
					confidence += 0.3
					indicators = append(indicators, "class_path:"+cp)
					break
				}
			}
		}
		if confidence >= 0.4 {
			out = append(out, domain.ProtectorMatch{
				Name:       rule.Name,
				Confidence: min(confidence, 1.0),
				Indicators: indicators,
			})
		}
	}
	return out
}

// matchLibName 匹配库名，忽略版本后缀（libshellx-2.10.3.4.so -> libshellx.so）
func matchLibName(pattern, name string) bool {
	if pattern == name {
		return true
	}
	patternBase := strings.TrimSuffix(pattern, ".so")
	nameBase := strings.TrimSuffix(name, ".so")
	return strings.HasPrefix(nameBase, patternBase+"-") || strings.HasPrefix(nameBase, patternBase+"_")
}
