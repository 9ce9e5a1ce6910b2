package config

import (
	"bytes"
	"fmt"
	"strings"
)

// section writes one top-level block into its own buffer; format joins the
// non-empty ones with a blank line.
type section func(b *bytes.Buffer)

func format(cfg *Config) []byte {
	var b bytes.Buffer

	for _, c := range cfg.Preamble {
		line := strings.TrimRight(c, "\r\n")
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var sections []section
	if cfg.Backend != nil {
		sections = append(sections, func(b *bytes.Buffer) { writeBackendBlock(b, cfg.Backend) })
	}
	if cfg.AdminAPI != nil {
		sections = append(sections, func(b *bytes.Buffer) { writeAPIBlock(b, cfg.AdminAPI) })
	}
	if cfg.Health != nil {
		sections = append(sections, func(b *bytes.Buffer) {
			b.WriteString("health {\n")
			writeDirective(b, "  ", "listen", cfg.Health.Listen)
			b.WriteString("}\n")
		})
	}
	if cfg.Observability != nil {
		sections = append(sections, func(b *bytes.Buffer) { writeObservabilityBlock(b, cfg.Observability) })
	}
	if cfg.Inspect != nil {
		sections = append(sections, func(b *bytes.Buffer) { writeInspectBlock(b, cfg.Inspect) })
	}
	if cfg.Entities != nil {
		sections = append(sections, func(b *bytes.Buffer) { writeEntitiesBlock(b, cfg.Entities) })
	}
	for i := range cfg.FilterSets {
		set := cfg.FilterSets[i]
		sections = append(sections, func(b *bytes.Buffer) { writeFilterSetBlock(b, set) })
	}

	for i, write := range sections {
		if i > 0 || len(cfg.Preamble) > 0 {
			b.WriteByte('\n')
		}
		write(&b)
	}
	return b.Bytes()
}

func writeBackendBlock(b *bytes.Buffer, be *BackendBlock) {
	b.WriteString("backend ")
	b.WriteString(formatValue(be.Kind))
	if !be.Path.Set && !be.DSN.Set && !be.LeaseTTL.Set && !be.MaxDeliveryCount.Set && !be.PollInterval.Set {
		b.WriteByte('\n')
		return
	}
	b.WriteString(" {\n")
	writeDirective(b, "  ", "path", be.Path)
	writeDirective(b, "  ", "dsn", be.DSN)
	writeDirective(b, "  ", "lease_ttl", be.LeaseTTL)
	writeDirective(b, "  ", "max_delivery_count", be.MaxDeliveryCount)
	writeDirective(b, "  ", "poll_interval", be.PollInterval)
	b.WriteString("}\n")
}

func writeAPIBlock(b *bytes.Buffer, api *APIBlock) {
	b.WriteString("admin_api {\n")
	writeDirective(b, "  ", "listen", api.Listen)
	writeDirective(b, "  ", "prefix", api.Prefix)
	for _, tok := range api.Tokens {
		writeDirective(b, "  ", "token", tok)
	}
	b.WriteString("}\n")
}

func writeObservabilityBlock(b *bytes.Buffer, obs *ObservabilityBlock) {
	b.WriteString("observability {\n")
	writeDirective(b, "  ", "log_level", obs.LogLevel)
	writeDirective(b, "  ", "log_output", obs.LogOutput)
	writeDirective(b, "  ", "log_path", obs.LogPath)
	writeDirective(b, "  ", "access_log", obs.AccessLog)
	if m := obs.Metrics; m != nil {
		b.WriteString("  metrics {\n")
		writeDirective(b, "    ", "enabled", m.Enabled)
		writeDirective(b, "    ", "listen", m.Listen)
		writeDirective(b, "    ", "path", m.Path)
		b.WriteString("  }\n")
	}
	if t := obs.Tracing; t != nil {
		b.WriteString("  tracing {\n")
		writeDirective(b, "    ", "enabled", t.Enabled)
		writeDirective(b, "    ", "collector", t.Collector)
		writeDirective(b, "    ", "url_path", t.URLPath)
		writeDirective(b, "    ", "compression", t.Compression)
		writeDirective(b, "    ", "insecure", t.Insecure)
		writeDirective(b, "    ", "timeout", t.Timeout)
		for _, h := range t.Headers {
			fmt.Fprintf(b, "    header %s %s\n", formatValue(h.Name), formatValue(h.Value))
		}
		b.WriteString("  }\n")
	}
	b.WriteString("}\n")
}

func writeInspectBlock(b *bytes.Buffer, in *InspectBlock) {
	b.WriteString("inspect {\n")
	writeDirective(b, "  ", "peek_page", in.PeekPage)
	writeDirective(b, "  ", "max_peek_pages", in.MaxPeekPages)
	writeDirective(b, "  ", "receive_batch", in.ReceiveBatch)
	writeDirective(b, "  ", "receive_wait", in.ReceiveWait)
	writeDirective(b, "  ", "max_receive_batches", in.MaxReceiveBatches)
	writeDirective(b, "  ", "max_empty_batches", in.MaxEmptyBatches)
	writeDirective(b, "  ", "empty_backoff", in.EmptyBackoff)
	writeDirective(b, "  ", "abandon_backoff", in.AbandonBackoff)
	writeDirective(b, "  ", "full_batch_backoff", in.FullBatchBackoff)
	writeDirective(b, "  ", "skip_peek_verification", in.SkipPeekVerification)
	b.WriteString("}\n")
}

func writeEntitiesBlock(b *bytes.Buffer, ent *EntitiesBlock) {
	b.WriteString("entities {\n")
	for _, q := range ent.Queues {
		writeDirective(b, "  ", "queue", q)
	}
	for _, s := range ent.Subscriptions {
		fmt.Fprintf(b, "  subscription %s %s\n", formatValue(s.Topic), formatValue(s.Name))
	}
	b.WriteString("}\n")
}

func writeFilterSetBlock(b *bytes.Buffer, set FilterSetBlock) {
	fmt.Fprintf(b, "filters %s {\n", formatValue(set.Name))
	for _, m := range set.Matches {
		b.WriteString("  match {\n")
		writeDirective(b, "    ", "field", m.Field)
		writeDirective(b, "    ", "name", m.Name)
		writeDirective(b, "    ", "operator", m.Operator)
		writeDirective(b, "    ", "value", m.Value)
		writeDirective(b, "    ", "enabled", m.Enabled)
		b.WriteString("  }\n")
	}
	b.WriteString("}\n")
}

func writeDirective(b *bytes.Buffer, indent, name string, v Value) {
	if !v.Set {
		return
	}
	fmt.Fprintf(b, "%s%s %s\n", indent, name, formatValue(v))
}

func formatValue(v Value) string {
	if v.Quoted || !isUnquotedValueSafe(v.Text) {
		return quoteString(v.Text)
	}
	return v.Text
}

func isUnquotedValueSafe(val string) bool {
	if val == "" {
		return false
	}
	if strings.HasPrefix(val, "{") && strings.HasSuffix(val, "}") && !strings.ContainsAny(val, " \t\r\n") {
		return (&lexer{src: val}).placeholderLen() == len(val)
	}
	return !strings.ContainsAny(val, " \t\n\r{}\"#")
}

func quoteString(s string) string {
	var out strings.Builder
	out.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			out.WriteString(`\\`)
		case '"':
			out.WriteString(`\"`)
		case '\n':
			out.WriteString(`\n`)
		case '\t':
			out.WriteString(`\t`)
		case '\r':
			out.WriteString(`\r`)
		default:
			out.WriteRune(r)
		}
	}
	out.WriteByte('"')
	return out.String()
}
