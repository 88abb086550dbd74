package supplier

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FilterConfig 描述文件名过滤条件。
type FilterConfig struct {
	// Patterns 为通配符列表，如 "*.tif;*.pdf"，空表示全部。
	Patterns string `yaml:"patterns" json:"patterns" msgpack:"patterns"`
	// Exclude 中匹配的文件总是被跳过。
	Exclude string `yaml:"exclude" json:"exclude" msgpack:"exclude"`
	// Regex 为附加的正则条件，匹配相对路径。
	Regex string `yaml:"regex" json:"regex" msgpack:"regex"`
}

// Filter 判断文件是否应被供应。匹配不区分大小写。
type Filter struct {
	include []string
	exclude []string
	regex   *regexp.Regexp
}

// NewFilter 校验并编译过滤条件。
func NewFilter(cfg FilterConfig) (*Filter, error) {
	f := &Filter{
		include: splitPatterns(cfg.Patterns),
		exclude: splitPatterns(cfg.Exclude),
	}
	for _, p := range append(append([]string{}, f.include...), f.exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("非法的文件过滤模式: %q", p)
		}
	}
	if expr := strings.TrimSpace(cfg.Regex); expr != "" {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("非法的文件过滤正则: %w", err)
		}
		f.regex = re
	}
	return f, nil
}

// MustFilter 与 NewFilter 相同，出错时 panic，供测试与常量配置使用。
func MustFilter(cfg FilterConfig) *Filter {
	f, err := NewFilter(cfg)
	if err != nil {
		panic(err)
	}
	return f
}

// Match 判断相对路径（以 / 分隔）是否通过过滤。
func (f *Filter) Match(rel string) bool {
	if f == nil {
		return true
	}
	rel = strings.ToLower(strings.TrimPrefix(path.Clean("/"+rel), "/"))
	for _, p := range f.exclude {
		if matchPattern(p, rel) {
			return false
		}
	}
	if len(f.include) > 0 {
		matched := false
		for _, p := range f.include {
			if matchPattern(p, rel) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.regex != nil && !f.regex.MatchString(rel) {
		return false
	}
	return true
}

func matchPattern(pattern, rel string) bool {
	target := rel
	if !strings.Contains(pattern, "/") {
		target = path.Base(rel)
	}
	ok, err := doublestar.Match(pattern, target)
	return err == nil && ok
}

func splitPatterns(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.ToLower(strings.TrimSpace(field))
		switch field {
		case "":
			continue
		case "*.*":
			// 沿用 Windows 语义，*.* 同样匹配无扩展名的文件。
			field = "*"
		}
		out = append(out, field)
	}
	return out
}
