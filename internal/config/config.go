package config

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Config is the parsed Inspectorfile as written. Optional blocks are
// pointers so that "absent" (defaults apply) and "present but empty" can be
// told apart.
type Config struct {
	// Preamble holds leading comment lines (including the leading '#').
	// It is preserved by `config fmt`.
	Preamble []string

	Backend       *BackendBlock
	AdminAPI      *APIBlock
	Health        *HealthBlock
	Observability *ObservabilityBlock
	Inspect       *InspectBlock
	Entities      *EntitiesBlock

	FilterSets []FilterSetBlock
}

// Value is a single directive argument.
type Value struct {
	Text   string
	Quoted bool
	Set    bool
}

type BackendBlock struct {
	Kind Value

	Path             Value
	DSN              Value
	LeaseTTL         Value
	MaxDeliveryCount Value
	PollInterval     Value
}

type APIBlock struct {
	Listen Value
	Prefix Value
	// Tokens may repeat; any of them authorizes a request.
	Tokens []Value
}

type HealthBlock struct {
	Listen Value
}

type ObservabilityBlock struct {
	LogLevel  Value
	LogOutput Value
	LogPath   Value
	AccessLog Value

	Metrics *MetricsBlock
	Tracing *TracingBlock
}

type MetricsBlock struct {
	Enabled Value
	Listen  Value
	Path    Value
}

type TracingBlock struct {
	Enabled     Value
	Collector   Value
	URLPath     Value
	Compression Value
	Insecure    Value
	Timeout     Value
	Headers     []TracingHeader
}

type TracingHeader struct {
	Name  Value
	Value Value
}

type InspectBlock struct {
	PeekPage             Value
	MaxPeekPages         Value
	ReceiveBatch         Value
	ReceiveWait          Value
	MaxReceiveBatches    Value
	MaxEmptyBatches      Value
	EmptyBackoff         Value
	AbandonBackoff       Value
	FullBatchBackoff     Value
	SkipPeekVerification Value
}

// EntitiesBlock lists queues and subscriptions provisioned at startup.
type EntitiesBlock struct {
	Queues        []Value
	Subscriptions []SubscriptionDecl
}

type SubscriptionDecl struct {
	Topic Value
	Name  Value
}

// FilterSetBlock is a named, reusable filter list. Every match block is one
// filter; a message must satisfy all of them.
type FilterSetBlock struct {
	Name    Value
	Matches []MatchBlock
}

type MatchBlock struct {
	Field    Value
	Name     Value
	Operator Value
	Value    Value
	Enabled  Value
}

func Parse(input []byte) (*Config, error) {
	p := newParser(string(normalizeInput(input)))
	cfg, err := p.parse()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.New("empty config")
	}
	return cfg, nil
}

// Format returns a deterministic representation of the parsed config. It
// does not expand defaults or placeholders.
func Format(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	return canonicalize(format(cfg)), nil
}

// Validate checks whether the config can be compiled for runtime.
func Validate(cfg *Config) error {
	_, res := Compile(cfg)
	if res.OK {
		return nil
	}
	if len(res.Errors) == 0 {
		return errors.New("invalid config")
	}
	return errors.New(res.Errors[0])
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) merge(other ValidationResult) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

type ValidationOptions struct {
	// SecretPreflight loads every secret ref (`env:`, `file:`, `raw:`) the
	// config names so that missing secrets fail validation.
	SecretPreflight bool
}

func ValidateWithResult(cfg *Config) ValidationResult {
	return ValidateWithResultOptions(cfg, ValidationOptions{})
}

func ValidateWithResultOptions(cfg *Config, options ValidationOptions) ValidationResult {
	compiled, res := Compile(cfg)
	if !res.OK || !options.SecretPreflight {
		return res
	}
	res.Errors = append(res.Errors, validateSecretPreflight(compiled)...)
	res.OK = len(res.Errors) == 0
	return res
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return fmt.Sprintf("config invalid: %s", res.Errors[0])
}
