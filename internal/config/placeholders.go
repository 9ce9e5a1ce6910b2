package config

import (
	"fmt"
	"os"
	"strings"
)

type placeholderKind int

const (
	phEnvDefault placeholderKind = iota // {$NAME} or {$NAME:default}
	phEnv                               // {env.NAME}
	phFile                              // {file.path}
)

var placeholderSyntax = []struct {
	prefix string
	kind   placeholderKind
	label  string
}{
	{"{$", phEnvDefault, "{$...}"},
	{"{env.", phEnv, "{env.*}"},
	{"{file.", phFile, "{file.*}"},
}

// resolvePlaceholders expands every placeholder in the input. Problems are
// returned as messages rather than errors so that validation can report all
// of them at once.
func resolvePlaceholders(in string) (out string, errs []string, warns []string) {
	var b strings.Builder
	b.Grow(len(in))

	for i := 0; i < len(in); {
		matched := false
		for _, ph := range placeholderSyntax {
			if !strings.HasPrefix(in[i:], ph.prefix) {
				continue
			}
			matched = true
			bodyStart := i + len(ph.prefix)
			end := strings.IndexByte(in[bodyStart:], '}')
			if end == -1 {
				errs = append(errs, "unterminated "+ph.label+" placeholder")
				b.WriteString(in[i:])
				return b.String(), errs, warns
			}
			val, msg, warn := expandPlaceholder(ph.kind, ph.label, in[bodyStart:bodyStart+end])
			if msg != "" {
				errs = append(errs, msg)
			}
			if warn != "" {
				warns = append(warns, warn)
			}
			b.WriteString(val)
			i = bodyStart + end + 1
			break
		}
		if !matched {
			b.WriteByte(in[i])
			i++
		}
	}
	return b.String(), errs, warns
}

func expandPlaceholder(kind placeholderKind, label, body string) (val, errMsg, warn string) {
	switch kind {
	case phFile:
		if body == "" {
			return "", "empty path in " + label + " placeholder", ""
		}
		b, err := os.ReadFile(body)
		if err != nil {
			return "", fmt.Sprintf("file placeholder %q: %v", body, err), ""
		}
		return strings.TrimRight(string(b), "\r\n"), "", ""
	default:
		name, def, hasDef := body, "", false
		if kind == phEnvDefault {
			name, def, hasDef = strings.Cut(body, ":")
		}
		if name == "" {
			return "", "empty env var in " + label + " placeholder", ""
		}
		if v, ok := os.LookupEnv(name); ok {
			return v, "", ""
		}
		if hasDef {
			return def, "", ""
		}
		return "", "", fmt.Sprintf("env var %q not set; replaced with empty string", name)
	}
}

// resolve expands v and records placeholder problems under field.
func resolve(v Value, field string, res *ValidationResult) string {
	val, errs, warns := resolvePlaceholders(v.Text)
	for _, e := range errs {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", field, e))
	}
	for _, w := range warns {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", field, w))
	}
	return strings.TrimSpace(val)
}
