package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type dotenvEntry struct {
	line       int
	key, value string
}

// loadDotenv exports the KEY=value pairs in path. A variable that is already
// set to a non-empty value keeps it.
func loadDotenv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := parseDotenv(f)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if os.Getenv(e.key) != "" {
			continue
		}
		if err := os.Setenv(e.key, e.value); err != nil {
			return fmt.Errorf(".env line %d: %w", e.line, err)
		}
	}
	return nil
}

// parseDotenv accepts blank lines, # comments, an optional "export " prefix,
// double-quoted values with Go escapes, single-quoted literal values and
// unquoted values with a trailing " # comment".
func parseDotenv(r io.Reader) ([]dotenvEntry, error) {
	var out []dotenvEntry
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, raw, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			return nil, fmt.Errorf(".env line %d: missing '='", n)
		}
		if key = strings.TrimSpace(key); key == "" {
			return nil, fmt.Errorf(".env line %d: empty key", n)
		}
		value, err := unquoteDotenv(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf(".env line %d: %w", n, err)
		}
		out = append(out, dotenvEntry{line: n, key: key, value: value})
	}
	return out, sc.Err()
}

func unquoteDotenv(v string) (string, error) {
	if n := len(v); n >= 2 && v[0] == v[n-1] {
		switch v[0] {
		case '"':
			return strconv.Unquote(v)
		case '\'':
			return v[1 : n-1], nil
		}
	}
	before, _, _ := strings.Cut(v, " #")
	return strings.TrimSpace(before), nil
}
