package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nuetzliches/sbinspect/internal/secrets"
)

// validateSecretPreflight resolves every secret ref once and reports each
// failure together with the fields that reference it.
func validateSecretPreflight(compiled Compiled) []string {
	fields := map[string][]string{}
	use := func(ref, field string) {
		if ref = strings.TrimSpace(ref); ref != "" {
			fields[ref] = append(fields[ref], field)
		}
	}
	for i, ref := range compiled.AdminAPI.TokenRefs {
		use(ref, fmt.Sprintf("admin_api.token[%d]", i))
	}
	if secrets.IsRef(compiled.Backend.DSN) {
		use(compiled.Backend.DSN, "backend.dsn")
	}

	var errs []string
	refs := make([]string, 0, len(fields))
	for ref := range fields {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	for _, ref := range refs {
		if _, err := secrets.LoadRef(ref); err != nil {
			errs = append(errs, fmt.Sprintf("secret preflight %q used by %s: %v",
				redactRef(ref), strings.Join(fields[ref], ", "), err))
		}
	}
	return errs
}

func redactRef(ref string) string {
	if _, ok := strings.CutPrefix(ref, "raw:"); ok {
		return "raw:***"
	}
	return ref
}
