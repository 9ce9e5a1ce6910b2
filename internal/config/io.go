package config

import "bytes"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// normalizeInput strips a UTF-8 BOM and rewrites CRLF and lone CR to LF.
// Trailing whitespace is kept so that positions in parse errors stay exact.
func normalizeInput(in []byte) []byte {
	in = bytes.TrimPrefix(in, utf8BOM)
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		if in[i] != '\r' {
			out = append(out, in[i])
			continue
		}
		if i+1 < len(in) && in[i+1] == '\n' {
			i++
		}
		out = append(out, '\n')
	}
	return out
}

// canonicalize is normalizeInput plus exactly one trailing newline.
func canonicalize(in []byte) []byte {
	out := bytes.TrimRight(normalizeInput(in), " \t\n")
	return append(out, '\n')
}
