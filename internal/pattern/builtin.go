package pattern

import "sync"

// BuiltinSource 内置规则库的来源标识
const BuiltinSource = "builtin"

var (
	builtinOnce sync.Once
	builtinReg  *Registry
	builtinErr  error
)

// Builtin 返回内置规则库
// 内置规则走与模式文件相同的校验，失败说明内置表本身有错误
func Builtin() *Registry {
	builtinOnce.Do(func() {
		builtinReg, builtinErr = Compile(builtinDocument(), BuiltinSource)
	})
	if builtinErr != nil {
		panic(builtinErr)
	}
	return builtinReg
}

// builtinDocument 内置检测特征与规则
func builtinDocument() Document {
	basic := basicRules()
	standard := append(basicRules(), standardRules()...)
	advanced := append(append(basicRules(), standardRules()...), advancedRules()...)

	return Document{
		Indicators: builtinIndicators(),
		Tiers: map[string][]RuleDoc{
			"basic":    basic,
			"standard": standard,
			"advanced": advanced,
		},
	}
}

func builtinIndicators() []IndicatorDoc {
	return []IndicatorDoc{
		// ==================== Root 检测 ====================
		{Category: "root_detection", Matcher: "/system/xbin/su", Weight: 2},
		{Category: "root_detection", Matcher: "/system/bin/su", Weight: 2},
		{Category: "root_detection", Matcher: "Superuser.apk", Weight: 2},
		{Category: "root_detection", Matcher: "com.topjohnwu.magisk", Weight: 2},
		{Category: "root_detection", Matcher: "com/scottyab/rootbeer", Weight: 3},
		{Category: "root_detection", Matcher: "test-keys", Weight: 1},

		// ==================== 证书锁定 ====================
		{Category: "certificate_pinning", Matcher: "CertificatePinner", Weight: 3},
		{Category: "certificate_pinning", Matcher: "<pin-set", Weight: 2},
		{Category: "certificate_pinning", Matcher: "checkServerTrusted", Weight: 2},
		{Category: "certificate_pinning", Matcher: `sha256/[A-Za-z0-9+/=]{43,44}`, Kind: "regex", Weight: 1},

		// ==================== 调试检测 ====================
		{Category: "debug_detection", Matcher: "isDebuggerConnected", Weight: 3},
		{Category: "debug_detection", Matcher: "TracerPid", Weight: 2},
		{Category: "debug_detection", Matcher: "waitingForDebugger", Weight: 1},
		{Category: "debug_detection", Matcher: `android:debuggable="false"`, Weight: 1},

		// ==================== 模拟器检测 ====================
		{Category: "emulator_detection", Matcher: "goldfish", Weight: 2},
		{Category: "emulator_detection", Matcher: "ranchu", Weight: 2},
		{Category: "emulator_detection", Matcher: "ro.kernel.qemu", Weight: 2},
		{Category: "emulator_detection", Matcher: "genymotion", Weight: 2},
		{Category: "emulator_detection", Matcher: `"generic(_x86(_64)?)?"`, Kind: "regex", Weight: 1},

		// ==================== 完整性校验 ====================
		{Category: "tamper_detection", Matcher: `Landroid/content/pm/Signature;->(toByteArray|toCharsString|hashCode)`, Kind: "regex", Weight: 2},
		{Category: "tamper_detection", Matcher: "com/google/android/play/core/integrity", Weight: 2},
		{Category: "tamper_detection", Matcher: "SafetyNet", Weight: 2},

		// ==================== 网络安全配置 ====================
		{Category: "network_security", Matcher: `android:usesCleartextTraffic="false"`, Weight: 1},
		{Category: "network_security", Matcher: `cleartextTrafficPermitted="false"`, Weight: 1},
		{Category: "network_security", Matcher: "android:networkSecurityConfig", Weight: 1},

		// ==================== 加固/混淆 ====================
		{Category: "obfuscation", Matcher: "com/stub/StubApp", Weight: 2},
		{Category: "obfuscation", Matcher: "com/secneo/apkwrapper", Weight: 2},
		{Category: "obfuscation", Matcher: "com/tencent/StubShell", Weight: 2},
		{Category: "obfuscation", Matcher: "com/shell/SuperApplication", Weight: 2},
		{Category: "obfuscation", Matcher: "com/nagapt/protect", Weight: 2},
		{Category: "obfuscation", Matcher: "com/guardsquare/dexguard", Weight: 2},
	}
}

// basicRules 仅修改清单与网络配置
func basicRules() []RuleDoc {
	return []RuleDoc{
		{
			ID:          "manifest-debuggable",
			Category:    "debug_detection",
			Matcher:     `android:debuggable="false"`,
			Replacement: `android:debuggable="true"`,
			Scope:       "first-match",
			Files:       []string{"AndroidManifest.xml"},
			Description: "mark the application debuggable",
		},
		{
			ID:          "manifest-cleartext",
			Category:    "network_security",
			Matcher:     `android:usesCleartextTraffic="false"`,
			Replacement: `android:usesCleartextTraffic="true"`,
			Scope:       "first-match",
			Files:       []string{"AndroidManifest.xml"},
			Description: "allow cleartext traffic for proxying",
		},
		{
			ID:          "nsc-cleartext",
			Category:    "network_security",
			Matcher:     `cleartextTrafficPermitted="false"`,
			Replacement: `cleartextTrafficPermitted="true"`,
			Files:       []string{"res/xml/*.xml"},
			Description: "allow cleartext in network security config",
		},
	}
}

// standardRules 常见的运行时检测
func standardRules() []RuleDoc {
	return []RuleDoc{
		{
			ID:          "debugger-connected",
			Category:    "debug_detection",
			Kind:        "regex",
			Matcher:     `invoke-static \{\}, Landroid/os/Debug;->isDebuggerConnected\(\)Z\n([ \t]*)move-result ([vp]\d+)`,
			Replacement: "invoke-static {}, Landroid/os/Debug;->isDebuggerConnected()Z\n${1}const/4 ${2}, 0x0",
			Files:       []string{"*.smali"},
			Description: "force isDebuggerConnected checks to false",
		},
		{
			ID:          "root-su-paths",
			Category:    "root_detection",
			Kind:        "regex",
			Matcher:     `(const-string [vp]\d+, )"/system/(x?bin)/su"`,
			Replacement: `${1}"/system/${2}/.su-disabled"`,
			Files:       []string{"*.smali"},
			Description: "point su path checks at non-existent files",
		},
		{
			ID:          "emulator-hardware-names",
			Category:    "emulator_detection",
			Kind:        "regex",
			Matcher:     `(const-string [vp]\d+, )"(goldfish|ranchu)"`,
			Replacement: `${1}"${2}-disabled"`,
			Files:       []string{"*.smali"},
			Description: "neutralize emulator hardware name comparisons",
		},
	}
}

// advancedRules 证书锁定与 root 库短路
func advancedRules() []RuleDoc {
	return []RuleDoc{
		{
			ID:          "okhttp-pinner-check",
			Category:    "certificate_pinning",
			Kind:        "regex",
			Matcher:     `(\.method public (?:final )?check\(Ljava/lang/String;Ljava/util/List;\)V\n)([ \t]*)\.locals \d+\n`,
			Replacement: "${1}${2}.registers 8\n${2}return-void\n",
			Files:       []string{"*.smali"},
			Description: "short-circuit OkHttp CertificatePinner.check",
		},
		{
			ID:          "trust-manager-check",
			Category:    "certificate_pinning",
			Kind:        "regex",
			Matcher:     `(\.method public (?:final )?checkServerTrusted\(\[Ljava/security/cert/X509Certificate;Ljava/lang/String;\)V\n)([ \t]*)\.locals \d+\n`,
			Replacement: "${1}${2}.registers 8\n${2}return-void\n",
			Files:       []string{"*.smali"},
			Description: "accept all server certificates in custom trust managers",
		},
		{
			ID:          "rootbeer-is-rooted",
			Category:    "root_detection",
			Kind:        "regex",
			Matcher:     `(\.method public (?:final )?isRooted\(\)Z\n)([ \t]*)\.locals \d+\n`,
			Replacement: "${1}${2}.registers 2\n${2}const/4 v0, 0x0\n${2}return v0\n",
			Files:       []string{"*.smali"},
			Description: "make RootBeer isRooted return false",
		},
		{
			ID:          "tracerpid-check",
			Category:    "debug_detection",
			Kind:        "regex",
			Matcher:     `(const-string [vp]\d+, )"TracerPid:"`,
			Replacement: `${1}"TracerPid-disabled:"`,
			Files:       []string{"*.smali"},
			Description: "stop /proc/self/status TracerPid lookups from matching",
		},
	}
}
