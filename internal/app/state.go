package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/nuetzliches/sbinspect/internal/admin"
	"github.com/nuetzliches/sbinspect/internal/config"
	"github.com/nuetzliches/sbinspect/internal/filter"
	"github.com/nuetzliches/sbinspect/internal/inspect"
	"github.com/nuetzliches/sbinspect/internal/secrets"
)

// runtimeState holds the parts of the config that reloads replace while the
// servers keep running.
type runtimeState struct {
	mu         sync.RWMutex
	filterSets map[string][]filter.Filter
	authorize  admin.Authorizer
}

func newRuntimeState(compiled config.Compiled) *runtimeState {
	s := &runtimeState{}
	s.updateFilterSets(compiled)
	return s
}

func (s *runtimeState) updateFilterSets(compiled config.Compiled) {
	sets := make(map[string][]filter.Filter, len(compiled.FilterSets))
	for name, fs := range compiled.FilterSets {
		sets[name] = slices.Clone(fs)
	}
	s.mu.Lock()
	s.filterSets = sets
	s.mu.Unlock()
}

// loadAuth resolves the admin token refs. On error the previous authorizer
// stays in place.
func (s *runtimeState) loadAuth(api config.APIConfig) error {
	tokens := make([][]byte, 0, len(api.TokenRefs))
	for _, ref := range api.TokenRefs {
		tok, err := secrets.LoadRef(ref)
		if err != nil {
			return fmt.Errorf("admin_api token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	auth := admin.BearerTokenAuthorizer(tokens)
	s.mu.Lock()
	s.authorize = auth
	s.mu.Unlock()
	return nil
}

func (s *runtimeState) authorizeAdmin(r *http.Request) bool {
	s.mu.RLock()
	auth := s.authorize
	s.mu.RUnlock()
	if auth == nil {
		return false
	}
	return auth(r)
}

func (s *runtimeState) currentFilterSets() map[string][]filter.Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterSets
}

// reloadConfig compiles a fresh config and applies what can change live:
// admin tokens, filter sets and inspect settings. Listener, backend and
// observability changes only log that a restart is required.
func reloadConfig(
	load func() (config.Compiled, []string, error),
	running config.Compiled,
	state *runtimeState,
	svc *inspect.Service,
	logger *slog.Logger,
	trigger string,
) (config.Compiled, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	compiled, warnings, err := load()
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return running, false
	}
	for _, w := range warnings {
		logger.Warn("config_warning", slog.String("warning", w))
	}
	if requiresRestartForReload(compiled, running) {
		logger.Info("config_reloaded_restart_required", slog.String("trigger", trigger))
		return running, false
	}
	if err := state.loadAuth(compiled.AdminAPI); err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return running, false
	}
	state.updateFilterSets(compiled)
	svc.SetSettings(compiled.Inspect)

	logger.Info("config_reloaded_ok", slog.String("trigger", trigger), slog.Int("filter_sets", len(compiled.FilterSets)))
	return compiled, true
}

func requiresRestartForReload(compiled, running config.Compiled) bool {
	return compiled.Backend != running.Backend ||
		compiled.AdminAPI.Listen != running.AdminAPI.Listen ||
		compiled.AdminAPI.Prefix != running.AdminAPI.Prefix ||
		compiled.Health != running.Health ||
		!observabilityEqual(compiled.Observability, running.Observability) ||
		!slices.Equal(compiled.Entities, running.Entities)
}

func observabilityEqual(a, b config.ObservabilityConfig) bool {
	return a.LogLevel == b.LogLevel &&
		a.LogOutput == b.LogOutput &&
		a.LogPath == b.LogPath &&
		a.AccessLog == b.AccessLog &&
		a.MetricsEnabled == b.MetricsEnabled &&
		a.MetricsListen == b.MetricsListen &&
		a.MetricsPath == b.MetricsPath &&
		a.TracingEnabled == b.TracingEnabled &&
		a.TracingCollector == b.TracingCollector &&
		a.TracingURLPath == b.TracingURLPath &&
		a.TracingCompression == b.TracingCompression &&
		a.TracingInsecure == b.TracingInsecure &&
		a.TracingTimeout == b.TracingTimeout &&
		a.TracingTimeoutSet == b.TracingTimeoutSet &&
		slices.Equal(a.TracingHeaders, b.TracingHeaders)
}
