package config

import (
	"fmt"
	"strings"
)

// DiffOp is a single line-level diff operation.
type DiffOp struct {
	Kind  byte // '=', '-', '+'
	Text  string
	OldNo int
	NewNo int
}

// NormalizedDiffLines splits text into lines with LF endings and without a
// trailing empty element.
func NormalizedDiffLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// LineDiffOps computes a longest-common-subsequence line diff. Line numbers
// are 1-based.
func LineDiffOps(oldLines, newLines []string) []DiffOp {
	n, m := len(oldLines), len(newLines)
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			switch {
			case oldLines[i] == newLines[j]:
				lcs[i][j] = lcs[i+1][j+1] + 1
			case lcs[i+1][j] >= lcs[i][j+1]:
				lcs[i][j] = lcs[i+1][j]
			default:
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	ops := make([]DiffOp, 0, n+m)
	i, j := 0, 0
	emit := func(kind byte, text string) {
		ops = append(ops, DiffOp{Kind: kind, Text: text, OldNo: i + 1, NewNo: j + 1})
	}
	for i < n || j < m {
		switch {
		case i < n && j < m && oldLines[i] == newLines[j]:
			emit('=', oldLines[i])
			i++
			j++
		case j == m || (i < n && lcs[i+1][j] >= lcs[i][j+1]):
			emit('-', oldLines[i])
			i++
		default:
			emit('+', newLines[j])
			j++
		}
	}
	return ops
}

// UnifiedDiff renders ops as a unified diff with contextLines of context
// around each change. It returns "" when nothing changed.
func UnifiedDiff(ops []DiffOp, contextLines int, oldName, newName string) string {
	var changes []int
	for k, op := range ops {
		if op.Kind != '=' {
			changes = append(changes, k)
		}
	}
	if len(changes) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldName, newName)

	for c := 0; c < len(changes); {
		start := max(changes[c]-contextLines, 0)
		end := min(changes[c]+contextLines+1, len(ops))
		// merge changes whose context windows touch
		for c+1 < len(changes) && changes[c+1]-contextLines <= end {
			c++
			end = min(changes[c]+contextLines+1, len(ops))
		}
		c++
		writeHunk(&b, ops[start:end])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func writeHunk(b *strings.Builder, hunk []DiffOp) {
	oldCount, newCount := 0, 0
	for _, op := range hunk {
		if op.Kind != '+' {
			oldCount++
		}
		if op.Kind != '-' {
			newCount++
		}
	}
	fmt.Fprintf(b, "@@ -%d,%d +%d,%d @@\n", hunk[0].OldNo, oldCount, hunk[0].NewNo, newCount)
	for _, op := range hunk {
		prefix := byte(' ')
		if op.Kind != '=' {
			prefix = op.Kind
		}
		b.WriteByte(prefix)
		b.WriteString(op.Text)
		b.WriteByte('\n')
	}
}

// FormatDiff formats both configs canonically and returns their unified
// diff. contextLines defaults to 3 when not positive.
func FormatDiff(oldData, newData []byte, contextLines int, oldName, newName string) (string, error) {
	if contextLines <= 0 {
		contextLines = 3
	}
	oldFormatted, err := parseAndFormat(oldData)
	if err != nil {
		return "", fmt.Errorf("%s: %w", oldName, err)
	}
	newFormatted, err := parseAndFormat(newData)
	if err != nil {
		return "", fmt.Errorf("%s: %w", newName, err)
	}
	ops := LineDiffOps(NormalizedDiffLines(oldFormatted), NormalizedDiffLines(newFormatted))
	return UnifiedDiff(ops, contextLines, oldName, newName), nil
}

func parseAndFormat(data []byte) (string, error) {
	cfg, err := Parse(data)
	if err != nil {
		return "", err
	}
	out, err := Format(cfg)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
