// Package secrets loads credentials referenced from the Inspectorfile.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

const (
	schemeEnv  = "env:"
	schemeFile = "file:"
	schemeRaw  = "raw:"
)

// IsRef reports whether s uses one of the ref schemes. Other strings are
// literal values.
func IsRef(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, schemeEnv) || strings.HasPrefix(s, schemeFile) || strings.HasPrefix(s, schemeRaw)
}

// ValidateRef validates a secret reference format without loading its value.
//
// Supported forms:
// - env:NAME
// - file:/path/to/secret
// - raw:literal-value
func ValidateRef(ref string) error {
	_, _, err := splitRef(ref)
	return err
}

// LoadRef loads a secret value from a reference string. File contents are
// trimmed of surrounding whitespace.
func LoadRef(ref string) ([]byte, error) {
	scheme, arg, err := splitRef(ref)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case schemeEnv:
		val := os.Getenv(arg)
		if val == "" {
			return nil, fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, arg)
		}
		return []byte(val), nil
	case schemeFile:
		b, err := os.ReadFile(arg)
		if err != nil {
			return nil, err
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return nil, fmt.Errorf("%w: file %q is empty", ErrSecretRef, arg)
		}
		return []byte(val), nil
	default:
		return []byte(arg), nil
	}
}

// Resolve returns s unchanged when it is a literal and the loaded value when
// it is a ref.
func Resolve(s string) (string, error) {
	if !IsRef(s) {
		return s, nil
	}
	b, err := LoadRef(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func splitRef(ref string) (scheme, arg string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("%w: empty", ErrSecretRef)
	}

	switch {
	case strings.HasPrefix(ref, schemeEnv):
		name := strings.TrimSpace(strings.TrimPrefix(ref, schemeEnv))
		if name == "" {
			return "", "", fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
		return schemeEnv, name, nil
	case strings.HasPrefix(ref, schemeFile):
		path := strings.TrimSpace(strings.TrimPrefix(ref, schemeFile))
		if path == "" {
			return "", "", fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
		return schemeFile, path, nil
	case strings.HasPrefix(ref, schemeRaw):
		val := strings.TrimPrefix(ref, schemeRaw)
		if val == "" {
			return "", "", fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
		return schemeRaw, val, nil
	}
	return "", "", fmt.Errorf("%w: unsupported scheme (use env:, file:, or raw:)", ErrSecretRef)
}
