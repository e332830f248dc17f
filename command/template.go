package command

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	placeholderRE = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
	safeArgRE     = regexp.MustCompile(`^[A-Za-z0-9_.,:/@-]+$`)
)

// Render replaces every "{{ key }}" in tmpl with the shell-escaped form of args[key].
// Placeholders without a matching key are left untouched.
func Render(tmpl string, args map[string]any) string {
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderRE.FindStringSubmatch(match)[1]
		v, ok := args[name]
		if !ok {
			return match
		}
		return EscapeShellArg(stringify(v))
	})
}

// EscapeShellArg quotes s for a POSIX shell unless it only contains characters that are never special.
func EscapeShellArg(s string) string {
	if s == "" {
		return "''"
	}
	if safeArgRE.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; keep integral values free of exponents
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(t)
	}
}
