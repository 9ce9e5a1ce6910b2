package config

import (
	"fmt"
)

type parser struct {
	lex     *lexer
	peeked  token
	hasPeek bool
}

func newParser(src string) *parser {
	return &parser{lex: newLexer(src)}
}

func (p *parser) parse() (*Config, error) {
	cfg := &Config{}

	var sawStmt bool
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokEOF {
			break
		}
		if tok.kind == tokComment {
			_, _ = p.next()
			if !sawStmt {
				cfg.Preamble = append(cfg.Preamble, tok.text)
			}
			continue
		}
		if tok.kind != tokIdent {
			return nil, p.errAt(tok.pos, "unexpected token %q", tok.text)
		}
		sawStmt = true
		if err := p.parseTopLevel(cfg); err != nil {
			return nil, err
		}
	}

	if !sawStmt {
		return nil, nil
	}
	return cfg, nil
}

func (p *parser) parseTopLevel(cfg *Config) error {
	nameTok, _ := p.next()

	switch nameTok.text {
	case "backend":
		if cfg.Backend != nil {
			return p.errAt(nameTok.pos, "duplicate backend block")
		}
		b, err := p.parseBackendBlock()
		if err != nil {
			return err
		}
		cfg.Backend = b
	case "admin_api":
		if cfg.AdminAPI != nil {
			return p.errAt(nameTok.pos, "duplicate admin_api block")
		}
		b, err := p.parseAPIBlock()
		if err != nil {
			return err
		}
		cfg.AdminAPI = b
	case "health":
		if cfg.Health != nil {
			return p.errAt(nameTok.pos, "duplicate health block")
		}
		b := &HealthBlock{}
		err := p.block("health", func(dir token) error {
			if dir.text != "listen" {
				return p.unknown("health", dir)
			}
			return p.value(dir, "health", &b.Listen)
		})
		if err != nil {
			return err
		}
		cfg.Health = b
	case "observability":
		if cfg.Observability != nil {
			return p.errAt(nameTok.pos, "duplicate observability block")
		}
		b, err := p.parseObservabilityBlock()
		if err != nil {
			return err
		}
		cfg.Observability = b
	case "inspect":
		if cfg.Inspect != nil {
			return p.errAt(nameTok.pos, "duplicate inspect block")
		}
		b, err := p.parseInspectBlock()
		if err != nil {
			return err
		}
		cfg.Inspect = b
	case "entities":
		if cfg.Entities != nil {
			return p.errAt(nameTok.pos, "duplicate entities block")
		}
		b, err := p.parseEntitiesBlock()
		if err != nil {
			return err
		}
		cfg.Entities = b
	case "filters":
		set, err := p.parseFilterSetBlock()
		if err != nil {
			return err
		}
		for _, existing := range cfg.FilterSets {
			if existing.Name.Text == set.Name.Text {
				return p.errAt(nameTok.pos, "duplicate filters %q", set.Name.Text)
			}
		}
		cfg.FilterSets = append(cfg.FilterSets, set)
	default:
		return p.errAt(nameTok.pos, "unknown top-level block %q", nameTok.text)
	}
	return nil
}

// parseBackendBlock reads `backend <kind>` with an optional brace body.
func (p *parser) parseBackendBlock() (*BackendBlock, error) {
	out := &BackendBlock{}
	kindTok, err := p.next()
	if err != nil {
		return nil, err
	}
	if kindTok.kind != tokIdent && kindTok.kind != tokString {
		return nil, p.errAt(kindTok.pos, "expected backend kind (memory|sqlite|postgres)")
	}
	out.Kind = Value{Text: kindTok.text, Quoted: kindTok.kind == tokString, Set: true}

	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.kind != tokLBrace {
		return out, nil
	}
	err = p.block("backend", func(dir token) error {
		switch dir.text {
		case "path":
			return p.value(dir, "backend", &out.Path)
		case "dsn":
			return p.value(dir, "backend", &out.DSN)
		case "lease_ttl":
			return p.value(dir, "backend", &out.LeaseTTL)
		case "max_delivery_count":
			return p.value(dir, "backend", &out.MaxDeliveryCount)
		case "poll_interval":
			return p.value(dir, "backend", &out.PollInterval)
		}
		return p.unknown("backend", dir)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseAPIBlock() (*APIBlock, error) {
	out := &APIBlock{}
	err := p.block("admin_api", func(dir token) error {
		switch dir.text {
		case "listen":
			return p.value(dir, "admin_api", &out.Listen)
		case "prefix":
			return p.value(dir, "admin_api", &out.Prefix)
		case "token":
			var v Value
			if err := p.value(dir, "admin_api", &v); err != nil {
				return err
			}
			out.Tokens = append(out.Tokens, v)
			return nil
		}
		return p.unknown("admin_api", dir)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseObservabilityBlock() (*ObservabilityBlock, error) {
	out := &ObservabilityBlock{}
	err := p.block("observability", func(dir token) error {
		switch dir.text {
		case "log_level":
			return p.value(dir, "observability", &out.LogLevel)
		case "log_output":
			return p.value(dir, "observability", &out.LogOutput)
		case "log_path":
			return p.value(dir, "observability", &out.LogPath)
		case "access_log":
			return p.value(dir, "observability", &out.AccessLog)
		case "metrics":
			if out.Metrics != nil {
				return p.errAt(dir.pos, "duplicate observability metrics block")
			}
			m, err := p.parseMetricsBlock()
			if err != nil {
				return err
			}
			out.Metrics = m
			return nil
		case "tracing":
			if out.Tracing != nil {
				return p.errAt(dir.pos, "duplicate observability tracing block")
			}
			t, err := p.parseTracingBlock()
			if err != nil {
				return err
			}
			out.Tracing = t
			return nil
		}
		return p.unknown("observability", dir)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseMetricsBlock() (*MetricsBlock, error) {
	out := &MetricsBlock{}
	err := p.block("metrics", func(dir token) error {
		switch dir.text {
		case "enabled":
			return p.value(dir, "metrics", &out.Enabled)
		case "listen":
			return p.value(dir, "metrics", &out.Listen)
		case "path":
			return p.value(dir, "metrics", &out.Path)
		}
		return p.unknown("metrics", dir)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseTracingBlock() (*TracingBlock, error) {
	out := &TracingBlock{}
	err := p.block("tracing", func(dir token) error {
		switch dir.text {
		case "enabled":
			return p.value(dir, "tracing", &out.Enabled)
		case "collector":
			return p.value(dir, "tracing", &out.Collector)
		case "url_path":
			return p.value(dir, "tracing", &out.URLPath)
		case "compression":
			return p.value(dir, "tracing", &out.Compression)
		case "insecure":
			return p.value(dir, "tracing", &out.Insecure)
		case "timeout":
			return p.value(dir, "tracing", &out.Timeout)
		case "header":
			var h TracingHeader
			if err := p.value(dir, "tracing", &h.Name); err != nil {
				return err
			}
			if err := p.value(dir, "tracing", &h.Value); err != nil {
				return err
			}
			out.Headers = append(out.Headers, h)
			return nil
		}
		return p.unknown("tracing", dir)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseInspectBlock() (*InspectBlock, error) {
	out := &InspectBlock{}
	fields := map[string]*Value{
		"peek_page":              &out.PeekPage,
		"max_peek_pages":         &out.MaxPeekPages,
		"receive_batch":          &out.ReceiveBatch,
		"receive_wait":           &out.ReceiveWait,
		"max_receive_batches":    &out.MaxReceiveBatches,
		"max_empty_batches":      &out.MaxEmptyBatches,
		"empty_backoff":          &out.EmptyBackoff,
		"abandon_backoff":        &out.AbandonBackoff,
		"full_batch_backoff":     &out.FullBatchBackoff,
		"skip_peek_verification": &out.SkipPeekVerification,
	}
	err := p.block("inspect", func(dir token) error {
		dst, ok := fields[dir.text]
		if !ok {
			return p.unknown("inspect", dir)
		}
		return p.value(dir, "inspect", dst)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseEntitiesBlock() (*EntitiesBlock, error) {
	out := &EntitiesBlock{}
	err := p.block("entities", func(dir token) error {
		switch dir.text {
		case "queue":
			var v Value
			if err := p.value(dir, "entities", &v); err != nil {
				return err
			}
			out.Queues = append(out.Queues, v)
			return nil
		case "subscription":
			var s SubscriptionDecl
			if err := p.value(dir, "entities", &s.Topic); err != nil {
				return err
			}
			if err := p.value(dir, "entities", &s.Name); err != nil {
				return err
			}
			out.Subscriptions = append(out.Subscriptions, s)
			return nil
		}
		return p.unknown("entities", dir)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseFilterSetBlock() (FilterSetBlock, error) {
	var out FilterSetBlock
	nameTok, err := p.next()
	if err != nil {
		return out, err
	}
	if nameTok.kind != tokIdent && nameTok.kind != tokString {
		return out, p.errAt(nameTok.pos, "expected filter set name after filters")
	}
	out.Name = Value{Text: nameTok.text, Quoted: nameTok.kind == tokString, Set: true}

	err = p.block("filters", func(dir token) error {
		if dir.text != "match" {
			return p.unknown("filters", dir)
		}
		m, err := p.parseMatchBlock()
		if err != nil {
			return err
		}
		out.Matches = append(out.Matches, m)
		return nil
	})
	return out, err
}

func (p *parser) parseMatchBlock() (MatchBlock, error) {
	var out MatchBlock
	err := p.block("match", func(dir token) error {
		switch dir.text {
		case "field":
			return p.value(dir, "match", &out.Field)
		case "name":
			return p.value(dir, "match", &out.Name)
		case "operator":
			return p.value(dir, "match", &out.Operator)
		case "value":
			return p.value(dir, "match", &out.Value)
		case "enabled":
			return p.value(dir, "match", &out.Enabled)
		}
		return p.unknown("match", dir)
	})
	return out, err
}

// block consumes `{ ... }` and hands every directive name to fn.
func (p *parser) block(name string, fn func(dir token) error) error {
	if _, err := p.expect(tokLBrace, "expected '{' after %s", name); err != nil {
		return err
	}
	for {
		tok, err := p.peek()
		if err != nil {
			return err
		}
		switch tok.kind {
		case tokEOF:
			return p.errAt(tok.pos, "unexpected EOF (missing '}')")
		case tokRBrace:
			_, _ = p.next()
			return nil
		case tokComment:
			_, _ = p.next()
			continue
		}

		dirTok, _ := p.next()
		if dirTok.kind != tokIdent {
			return p.errAt(dirTok.pos, "expected directive name")
		}
		if err := fn(dirTok); err != nil {
			return err
		}
	}
}

// value reads one argument of dir into dst. Setting the same single-valued
// directive twice is an error.
func (p *parser) value(dir token, block string, dst *Value) error {
	if dst.Set {
		return p.errAt(dir.pos, "duplicate %s %s", block, dir.text)
	}
	v, quoted, err := p.parseValue()
	if err != nil {
		return err
	}
	*dst = Value{Text: v, Quoted: quoted, Set: true}
	return nil
}

func (p *parser) unknown(block string, dir token) error {
	return p.errAt(dir.pos, "unknown %s directive %q", block, dir.text)
}

func (p *parser) parseValue() (string, bool, error) {
	tok, err := p.next()
	if err != nil {
		return "", false, err
	}
	switch tok.kind {
	case tokString, tokIdent:
		return tok.text, tok.kind == tokString, nil
	default:
		return "", false, p.errAt(tok.pos, "expected value, got %s", tok.kind)
	}
}

func (p *parser) peek() (token, error) {
	if p.hasPeek {
		return p.peeked, nil
	}
	tok, err := p.lex.nextToken()
	if err != nil {
		return token{}, err
	}
	p.peeked = tok
	p.hasPeek = true
	return tok, nil
}

func (p *parser) next() (token, error) {
	if p.hasPeek {
		p.hasPeek = false
		return p.peeked, nil
	}
	return p.lex.nextToken()
}

func (p *parser) expect(kind tokenKind, msg string, args ...any) (token, error) {
	tok, err := p.next()
	if err != nil {
		return token{}, err
	}
	if tok.kind != kind {
		return token{}, p.errAt(tok.pos, msg, args...)
	}
	return tok, nil
}

func (p *parser) errAt(pos position, format string, args ...any) error {
	return fmt.Errorf("config parse error at %s: %s", pos.String(), fmt.Sprintf(format, args...))
}
