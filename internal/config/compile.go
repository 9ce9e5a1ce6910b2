package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/sbinspect/internal/filter"
	"github.com/nuetzliches/sbinspect/internal/httpheader"
	"github.com/nuetzliches/sbinspect/internal/inspect"
	"github.com/nuetzliches/sbinspect/internal/queue"
	"github.com/nuetzliches/sbinspect/internal/secrets"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

const (
	DefaultSQLitePath    = "./.data/sbinspect.db"
	DefaultAdminListen   = "127.0.0.1:9300"
	DefaultHealthListen  = "127.0.0.1:9301"
	DefaultMetricsListen = "127.0.0.1:9302"
	DefaultMetricsPath   = "/metrics"

	maxBatchDirective = 256
)

var filterSetNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Compiled is the runtime view of a Config with defaults applied and
// placeholders expanded.
type Compiled struct {
	Backend       BackendConfig
	AdminAPI      APIConfig
	Health        HealthConfig
	Observability ObservabilityConfig
	Inspect       inspect.Settings
	Entities      []queue.Entity
	FilterSets    map[string][]filter.Filter
}

type BackendConfig struct {
	Kind string
	Path string
	// DSN is either a literal connection string or a secret ref.
	DSN              string
	LeaseTTL         time.Duration
	MaxDeliveryCount int
	PollInterval     time.Duration
}

type APIConfig struct {
	Enabled bool
	Listen  string
	Prefix  string
	// TokenRefs are secret refs; literal tokens are stored as raw: refs.
	TokenRefs []string
}

type HealthConfig struct {
	Enabled bool
	Listen  string
}

type ObservabilityConfig struct {
	LogLevel  string
	LogOutput string
	LogPath   string
	AccessLog bool

	MetricsEnabled bool
	MetricsListen  string
	MetricsPath    string

	TracingEnabled     bool
	TracingCollector   string
	TracingURLPath     string
	TracingCompression string
	TracingInsecure    bool
	TracingTimeout     time.Duration
	TracingTimeoutSet  bool
	TracingHeaders     []HeaderConfig
}

type HeaderConfig struct {
	Name  string
	Value string
}

// FilterSetNames returns the configured filter set names in sorted order.
func (c Compiled) FilterSetNames() []string {
	names := make([]string, 0, len(c.FilterSets))
	for name := range c.FilterSets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Compile(cfg *Config) (Compiled, ValidationResult) {
	var res ValidationResult
	if cfg == nil {
		res.Errors = append(res.Errors, "nil config")
		return Compiled{}, res
	}

	var out Compiled
	var part ValidationResult

	out.Backend, part = compileBackend(cfg.Backend)
	res.merge(part)
	out.AdminAPI, part = compileAdminAPI(cfg.AdminAPI)
	res.merge(part)
	out.Health, part = compileHealth(cfg.Health)
	res.merge(part)
	out.Observability, part = compileObservability(cfg.Observability)
	res.merge(part)
	out.Inspect, part = compileInspect(cfg.Inspect)
	res.merge(part)
	out.Entities, part = compileEntities(cfg.Entities)
	res.merge(part)
	out.FilterSets, part = compileFilterSets(cfg.FilterSets)
	res.merge(part)

	checkListenerConflicts(out, &res)

	res.OK = len(res.Errors) == 0
	return out, res
}

func compileBackend(in *BackendBlock) (BackendConfig, ValidationResult) {
	var res ValidationResult
	out := BackendConfig{Kind: BackendMemory}
	if in == nil {
		return out, res
	}

	kind := strings.ToLower(resolve(in.Kind, "backend", &res))
	switch kind {
	case BackendMemory, BackendSQLite, BackendPostgres:
		out.Kind = kind
	default:
		res.errorf("backend must be memory|sqlite|postgres (got %q)", kind)
	}

	if out.Kind == BackendSQLite {
		out.Path = DefaultSQLitePath
	}
	if in.Path.Set {
		path := resolve(in.Path, "backend.path", &res)
		switch {
		case out.Kind != BackendSQLite:
			res.errorf("backend.path requires backend sqlite")
		case path == "":
			res.errorf("backend.path must not be empty")
		default:
			out.Path = path
		}
	}

	if in.DSN.Set {
		dsn := resolve(in.DSN, "backend.dsn", &res)
		switch {
		case out.Kind != BackendPostgres:
			res.errorf("backend.dsn requires backend postgres")
		case dsn == "":
			res.errorf("backend.dsn must not be empty")
		case secrets.IsRef(dsn):
			if err := secrets.ValidateRef(dsn); err != nil {
				res.errorf("backend.dsn: %v", err)
			}
			out.DSN = dsn
		default:
			out.DSN = dsn
		}
	} else if out.Kind == BackendPostgres {
		res.errorf("backend.dsn is required for backend postgres")
	}

	if in.LeaseTTL.Set {
		out.LeaseTTL = compilePositiveDuration(in.LeaseTTL, "backend.lease_ttl", &res)
	}
	if in.MaxDeliveryCount.Set {
		raw := resolve(in.MaxDeliveryCount, "backend.max_delivery_count", &res)
		if strings.EqualFold(raw, "off") {
			out.MaxDeliveryCount = 0
		} else if n, ok := parseIntInRange(raw, "backend.max_delivery_count", 0, 1_000_000, &res); ok {
			out.MaxDeliveryCount = n
		}
	}
	if in.PollInterval.Set {
		if out.Kind == BackendMemory {
			res.errorf("backend.poll_interval requires backend sqlite or postgres")
		} else {
			out.PollInterval = compilePositiveDuration(in.PollInterval, "backend.poll_interval", &res)
		}
	}
	return out, res
}

func compileAdminAPI(in *APIBlock) (APIConfig, ValidationResult) {
	var res ValidationResult
	out := APIConfig{Listen: DefaultAdminListen}
	if in == nil {
		return out, res
	}
	out.Enabled = true

	if in.Listen.Set {
		out.Listen = compileListen(in.Listen, "admin_api.listen", &res)
	}
	if in.Prefix.Set {
		prefix := resolve(in.Prefix, "admin_api.prefix", &res)
		if !strings.HasPrefix(prefix, "/") {
			res.errorf("admin_api.prefix must start with '/'")
		} else {
			out.Prefix = strings.TrimRight(prefix, "/")
		}
	}
	for i, v := range in.Tokens {
		field := fmt.Sprintf("admin_api.token[%d]", i)
		tok := resolve(v, field, &res)
		switch {
		case tok == "":
			res.errorf("%s must not be empty", field)
		case secrets.IsRef(tok):
			if err := secrets.ValidateRef(tok); err != nil {
				res.errorf("%s: %v", field, err)
				continue
			}
			out.TokenRefs = append(out.TokenRefs, tok)
		default:
			out.TokenRefs = append(out.TokenRefs, "raw:"+tok)
		}
	}
	if len(in.Tokens) == 0 {
		res.warnf("admin_api has no token; requests are not authenticated")
	}
	return out, res
}

func compileHealth(in *HealthBlock) (HealthConfig, ValidationResult) {
	var res ValidationResult
	out := HealthConfig{Listen: DefaultHealthListen}
	if in == nil {
		return out, res
	}
	out.Enabled = true
	if in.Listen.Set {
		out.Listen = compileListen(in.Listen, "health.listen", &res)
	}
	return out, res
}

func compileObservability(in *ObservabilityBlock) (ObservabilityConfig, ValidationResult) {
	var res ValidationResult
	out := ObservabilityConfig{
		LogLevel:      "info",
		LogOutput:     "stderr",
		AccessLog:     true,
		MetricsListen: DefaultMetricsListen,
		MetricsPath:   DefaultMetricsPath,
	}
	if in == nil {
		return out, res
	}

	if in.LogLevel.Set {
		raw := resolve(in.LogLevel, "observability.log_level", &res)
		if level, ok := compileLogLevel(raw); ok {
			out.LogLevel = level
		} else {
			res.errorf("observability.log_level must be debug|info|warn|error")
		}
	}
	out.LogOutput, out.LogPath = compileLogSink(in.LogOutput, in.LogPath, &res)
	if in.AccessLog.Set {
		out.AccessLog = compileBool(in.AccessLog, "observability.access_log", true, &res)
	}

	if m := in.Metrics; m != nil {
		out.MetricsEnabled = true
		if m.Enabled.Set {
			out.MetricsEnabled = compileBool(m.Enabled, "observability.metrics.enabled", true, &res)
		}
		if m.Listen.Set {
			out.MetricsListen = compileListen(m.Listen, "observability.metrics.listen", &res)
		}
		if m.Path.Set {
			path := resolve(m.Path, "observability.metrics.path", &res)
			if !strings.HasPrefix(path, "/") {
				res.errorf("observability.metrics.path must start with '/'")
			} else {
				out.MetricsPath = path
			}
		}
	}

	if t := in.Tracing; t != nil {
		compileTracing(t, &out, &res)
	}
	return out, res
}

func compileTracing(t *TracingBlock, out *ObservabilityConfig, res *ValidationResult) {
	out.TracingEnabled = true
	if t.Enabled.Set {
		out.TracingEnabled = compileBool(t.Enabled, "observability.tracing.enabled", true, res)
	}
	if t.Collector.Set {
		raw := resolve(t.Collector, "observability.tracing.collector", res)
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			res.errorf("observability.tracing.collector must be an http(s) URL")
		} else {
			out.TracingCollector = raw
		}
	}
	if t.URLPath.Set {
		path := resolve(t.URLPath, "observability.tracing.url_path", res)
		if !strings.HasPrefix(path, "/") {
			res.errorf("observability.tracing.url_path must start with '/'")
		} else {
			out.TracingURLPath = path
		}
	}
	if t.Compression.Set {
		raw := strings.ToLower(resolve(t.Compression, "observability.tracing.compression", res))
		switch raw {
		case "gzip", "none":
			out.TracingCompression = raw
		default:
			res.errorf("observability.tracing.compression must be gzip|none")
		}
	}
	if t.Insecure.Set {
		out.TracingInsecure = compileBool(t.Insecure, "observability.tracing.insecure", false, res)
	}
	if t.Timeout.Set {
		out.TracingTimeout = compilePositiveDuration(t.Timeout, "observability.tracing.timeout", res)
		out.TracingTimeoutSet = out.TracingTimeout > 0
	}
	for i, h := range t.Headers {
		field := fmt.Sprintf("observability.tracing.header[%d]", i)
		name := resolve(h.Name, field+".name", res)
		if name == "" {
			res.errorf("%s name must not be empty", field)
			continue
		}
		value := resolve(h.Value, field+".value", res)
		if err := httpheader.Validate(name, value); err != nil {
			res.errorf("%s: %v", field, err)
			continue
		}
		out.TracingHeaders = append(out.TracingHeaders, HeaderConfig{Name: name, Value: value})
	}
}

func compileInspect(in *InspectBlock) (inspect.Settings, ValidationResult) {
	var res ValidationResult
	out := inspect.DefaultSettings()
	if in == nil {
		return out, res
	}

	ints := []struct {
		v     Value
		field string
		max   int
		dst   *int
	}{
		{in.PeekPage, "inspect.peek_page", maxBatchDirective, &out.PeekPageSize},
		{in.MaxPeekPages, "inspect.max_peek_pages", 100_000, &out.MaxPeekPages},
		{in.ReceiveBatch, "inspect.receive_batch", maxBatchDirective, &out.ReceiveBatchSize},
		{in.MaxReceiveBatches, "inspect.max_receive_batches", 100_000, &out.MaxReceiveBatches},
		{in.MaxEmptyBatches, "inspect.max_empty_batches", 1000, &out.EmptyBatch.MaxAttempts},
	}
	for _, d := range ints {
		if !d.v.Set {
			continue
		}
		raw := resolve(d.v, d.field, &res)
		if n, ok := parseIntInRange(raw, d.field, 1, d.max, &res); ok {
			*d.dst = n
		}
	}

	if in.ReceiveWait.Set {
		out.ReceiveWait = compilePositiveDuration(in.ReceiveWait, "inspect.receive_wait", &res)
	}
	backoffs := []struct {
		v     Value
		field string
		dst   *time.Duration
	}{
		{in.EmptyBackoff, "inspect.empty_backoff", &out.EmptyBatch.Delay},
		{in.AbandonBackoff, "inspect.abandon_backoff", &out.Abandon.Delay},
		{in.FullBatchBackoff, "inspect.full_batch_backoff", &out.FullBatch.Delay},
	}
	for _, d := range backoffs {
		if !d.v.Set {
			continue
		}
		raw := resolve(d.v, d.field, &res)
		dur, _, err := parseDurationValue(raw)
		if err != nil {
			res.errorf("%s %v", d.field, err)
			continue
		}
		*d.dst = dur
	}
	if in.SkipPeekVerification.Set {
		out.SkipPeekVerification = compileBool(in.SkipPeekVerification, "inspect.skip_peek_verification", false, &res)
	}
	return out, res
}

func compileEntities(in *EntitiesBlock) ([]queue.Entity, ValidationResult) {
	var res ValidationResult
	if in == nil {
		return nil, res
	}
	seen := make(map[string]struct{})
	var out []queue.Entity
	add := func(e queue.Entity, field string) {
		if err := e.Validate(); err != nil {
			res.errorf("%s: %v", field, err)
			return
		}
		if _, dup := seen[e.Path()]; dup {
			res.errorf("%s: duplicate entity %q", field, e.Path())
			return
		}
		seen[e.Path()] = struct{}{}
		out = append(out, e)
	}
	for i, q := range in.Queues {
		field := fmt.Sprintf("entities.queue[%d]", i)
		add(queue.QueueEntity(resolve(q, field, &res)), field)
	}
	for i, s := range in.Subscriptions {
		field := fmt.Sprintf("entities.subscription[%d]", i)
		add(queue.SubscriptionEntity(resolve(s.Topic, field, &res), resolve(s.Name, field, &res)), field)
	}
	return out, res
}

func compileFilterSets(in []FilterSetBlock) (map[string][]filter.Filter, ValidationResult) {
	var res ValidationResult
	out := make(map[string][]filter.Filter, len(in))
	for _, set := range in {
		name := strings.TrimSpace(set.Name.Text)
		if !filterSetNamePattern.MatchString(name) {
			res.errorf("filters %q: name must match %s", name, filterSetNamePattern.String())
			continue
		}
		if _, dup := out[name]; dup {
			res.errorf("filters %q: duplicate filter set", name)
			continue
		}
		filters := make([]filter.Filter, 0, len(set.Matches))
		for i, m := range set.Matches {
			field := fmt.Sprintf("filters %q match[%d]", name, i)
			if f, ok := compileMatch(m, field, &res); ok {
				filters = append(filters, f)
			}
		}
		if !filter.Active(filters) {
			res.warnf("filters %q has no active match; it selects every message", name)
		}
		out[name] = filters
	}
	return out, res
}

func compileMatch(m MatchBlock, field string, res *ValidationResult) (filter.Filter, bool) {
	out := filter.Filter{Field: filter.FieldApplicationProperty, Operator: filter.OpContains, Enabled: true}
	ok := true

	if !m.Field.Set {
		res.errorf("%s.field is required", field)
		ok = false
	} else if f, known := filter.ParseField(resolve(m.Field, field+".field", res)); known {
		out.Field = f
	} else {
		res.errorf("%s.field must be application_property|enqueued_time|delivery_count|sequence_number", field)
		ok = false
	}
	if m.Operator.Set {
		if op, known := filter.ParseOperator(resolve(m.Operator, field+".operator", res)); known {
			out.Operator = op
		} else {
			res.errorf("%s.operator %q is unknown", field, m.Operator.Text)
			ok = false
		}
	}
	if m.Name.Set {
		out.AttributeName = resolve(m.Name, field+".name", res)
	}
	if m.Value.Set {
		// values are compared verbatim; only placeholders are expanded
		val, errs, warns := resolvePlaceholders(m.Value.Text)
		for _, e := range errs {
			res.errorf("%s.value: %s", field, e)
		}
		for _, w := range warns {
			res.warnf("%s.value: %s", field, w)
		}
		out.AttributeValue = val
	}
	if m.Enabled.Set {
		out.Enabled = compileBool(m.Enabled, field+".enabled", true, res)
	}

	if !ok {
		return filter.Filter{}, false
	}
	if out.Operator == filter.OpRegex {
		if _, err := regexp.Compile(out.AttributeValue); err != nil {
			res.warnf("%s.value is not a valid regex; it is matched as a substring", field)
		}
	}
	if out.Field != filter.FieldApplicationProperty && out.AttributeName != "" {
		res.warnf("%s.name is ignored for field %s", field, out.Field.ConfigName())
	}
	return out, true
}

func checkListenerConflicts(c Compiled, res *ValidationResult) {
	owners := map[string]string{}
	claim := func(enabled bool, addr, owner string) {
		if !enabled || addr == "" {
			return
		}
		// ephemeral ports never collide
		if _, port, err := net.SplitHostPort(addr); err == nil && port == "0" {
			return
		}
		if prev, ok := owners[addr]; ok {
			res.errorf("%s listen %q conflicts with %s", owner, addr, prev)
			return
		}
		owners[addr] = owner
	}
	claim(c.AdminAPI.Enabled, c.AdminAPI.Listen, "admin_api")
	claim(c.Health.Enabled, c.Health.Listen, "health")
	claim(c.Observability.MetricsEnabled, c.Observability.MetricsListen, "observability.metrics")
}

func compileListen(v Value, field string, res *ValidationResult) string {
	addr := resolve(v, field, res)
	if addr == "" {
		res.errorf("%s must not be empty", field)
		return ""
	}
	if _, port, err := net.SplitHostPort(addr); err != nil || port == "" {
		res.errorf("%s must be host:port (got %q)", field, addr)
		return ""
	}
	return addr
}

func compileBool(v Value, field string, def bool, res *ValidationResult) bool {
	val, ok := parseBoolValue(resolve(v, field, res))
	if !ok {
		res.errorf("%s must be on|off|true|false|1|0", field)
		return def
	}
	return val
}

func compilePositiveDuration(v Value, field string, res *ValidationResult) time.Duration {
	d, off, err := parseDurationValue(resolve(v, field, res))
	switch {
	case err != nil:
		res.errorf("%s %v", field, err)
	case off || d == 0:
		res.errorf("%s must be greater than zero", field)
	default:
		return d
	}
	return 0
}

func compileLogLevel(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return "debug", true
	case "info":
		return "info", true
	case "warn", "warning":
		return "warn", true
	case "error":
		return "error", true
	}
	return "", false
}

func compileLogSink(outputV, pathV Value, res *ValidationResult) (output string, path string) {
	output = "stderr"
	if outputV.Set {
		raw := strings.ToLower(resolve(outputV, "observability.log_output", res))
		switch raw {
		case "stdout", "stderr", "file":
			output = raw
		case "":
			res.errorf("observability.log_output must not be empty")
		default:
			res.errorf("observability.log_output must be stdout|stderr|file")
		}
	}
	if pathV.Set {
		path = resolve(pathV, "observability.log_path", res)
		if path == "" {
			res.errorf("observability.log_path must not be empty")
		}
	}
	if output == "file" {
		if !pathV.Set {
			res.errorf("observability.log_path is required when log_output is file")
		}
	} else if pathV.Set {
		res.errorf("observability.log_path requires log_output file")
	}
	return output, path
}

func parseBoolValue(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on":
		return true, true
	case "0", "false", "off":
		return false, true
	}
	return false, false
}

// parseDurationValue accepts Go durations plus a "d" day suffix. "off" and
// "0" yield zero with off set.
func parseDurationValue(raw string) (time.Duration, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, fmt.Errorf("must not be empty")
	}
	if strings.EqualFold(raw, "off") || raw == "0" {
		return 0, true, nil
	}

	rawLower := strings.ToLower(raw)
	if num, ok := strings.CutSuffix(rawLower, "d"); ok {
		v, err := strconv.Atoi(num)
		if err != nil || v < 0 {
			return 0, false, fmt.Errorf("must be a duration like 500ms, 5s, 2h, 7d, or off")
		}
		return time.Duration(v) * 24 * time.Hour, false, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("must be a duration like 500ms, 5s, 2h, 7d, or off")
	}
	if d < 0 {
		return 0, false, fmt.Errorf("must be a non-negative duration")
	}
	return d, false, nil
}

func parseIntInRange(raw, field string, min, max int, res *ValidationResult) (int, bool) {
	if raw == "" {
		res.errorf("%s must not be empty", field)
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		res.errorf("%s must be an integer", field)
		return 0, false
	}
	if v < min || v > max {
		res.errorf("%s must be between %d and %d", field, min, max)
		return 0, false
	}
	return v, true
}
