package config

import "testing"

func FuzzParseFormatRoundTrip(f *testing.F) {
	f.Add([]byte(`backend memory`))
	f.Add([]byte(`
backend sqlite { path ./.data/x.db  lease_ttl 30s }
admin_api { listen :9300  token "raw:test-token" }
`))
	f.Add([]byte(`
# header
filters temp {
  match { field application_property  name type  operator equals  value "temp order" }
  match { field delivery_count operator gte value 3 enabled off }
}
entities { queue orders  subscription events audit }
`))
	f.Add([]byte(`observability { tracing { collector {env.OTEL} header X-A "b c" } }`))

	f.Fuzz(func(t *testing.T, input []byte) {
		cfg, err := Parse(input)
		if err != nil {
			return
		}

		formatted, err := Format(cfg)
		if err != nil {
			t.Fatalf("format parsed config: %v", err)
		}

		cfg2, err := Parse(formatted)
		if err != nil {
			t.Fatalf("parse formatted config: %v\nformatted:\n%s", err, string(formatted))
		}

		again, err := Format(cfg2)
		if err != nil {
			t.Fatalf("format re-parsed config: %v", err)
		}
		if string(again) != string(formatted) {
			t.Fatalf("format not idempotent:\n%s\n---\n%s", formatted, again)
		}

		_ = ValidateWithResult(cfg2)
	})
}
