// Package httpheader checks operator-supplied header pairs, such as the
// OTLP exporter headers, before they reach an outgoing request.
package httpheader

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// reserved headers are set by the exporter itself.
var reserved = map[string]bool{
	"Content-Type":     true,
	"Content-Encoding": true,
	"Content-Length":   true,
	"Host":             true,
}

// Validate reports why name: value cannot be sent as a request header.
func Validate(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("header name must not be empty")
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("header %q has leading or trailing whitespace", name)
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("header %q has invalid field name", name)
	}
	if reserved[http.CanonicalHeaderKey(name)] {
		return fmt.Errorf("header %q is managed by the exporter", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("header %q has invalid field value", name)
	}
	return nil
}

// ValidateMap validates every pair in headers.
func ValidateMap(headers map[string]string) error {
	for name, value := range headers {
		if err := Validate(name, value); err != nil {
			return err
		}
	}
	return nil
}
