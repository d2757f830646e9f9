package pattern

import (
	"fmt"
	"path"
)

// matchGlob 校验 files 过滤模式语法
func matchGlob(glob string) (bool, error) {
	if glob == "" {
		return false, fmt.Errorf("empty files glob")
	}
	if _, err := path.Match(glob, ""); err != nil {
		return false, fmt.Errorf("invalid files glob %q: %w", glob, err)
	}
	return true, nil
}
