package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zen-systems/carepath/pkg/adapter"
	"github.com/zen-systems/carepath/pkg/bias"
	"github.com/zen-systems/carepath/pkg/cache"
	"github.com/zen-systems/carepath/pkg/config"
	"github.com/zen-systems/carepath/pkg/connectivity"
	"github.com/zen-systems/carepath/pkg/evidence"
	"github.com/zen-systems/carepath/pkg/guideline"
	"github.com/zen-systems/carepath/pkg/metrics"
	"github.com/zen-systems/carepath/pkg/queue"
	"github.com/zen-systems/carepath/pkg/ratelimit"
	"github.com/zen-systems/carepath/pkg/retrieval"
	"github.com/zen-systems/carepath/pkg/router"
	"github.com/zen-systems/carepath/pkg/rules"
)

// FromConfig builds a fully wired orchestrator from application
// configuration: remote backends for every provider with a key, the
// retrieval index (built in the background), the rule engine, the SQLite
// queue, the response cache, a connectivity probe, metrics and, when
// configured, the evidence writer.
func FromConfig(ctx context.Context, cfg *config.Config, logger zerolog.Logger, extra ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pref, err := router.ParseOfflinePreference(cfg.Selection.OfflinePreference)
	if err != nil {
		return nil, err
	}

	store, err := loadGuidelines(cfg.GuidelinesPath)
	if err != nil {
		return nil, err
	}

	remote, err := RemoteBackends(ctx, cfg)
	if err != nil {
		return nil, err
	}
	backends := make([]adapter.Backend, 0, len(remote)+2)
	remoteOrder := make([]string, 0, len(remote))
	for _, b := range remote {
		backends = append(backends, b)
		remoteOrder = append(remoteOrder, b.ID())
	}

	idx := retrieval.New(store, retrieval.WithLogger(logger))
	idx.Start(ctx)
	backends = append(backends, idx)

	var ruleSet []rules.Rule
	if cfg.RulesPath != "" {
		if ruleSet, err = rules.LoadFile(cfg.RulesPath); err != nil {
			return nil, err
		}
	}
	engine, err := rules.New(ruleSet)
	if err != nil {
		return nil, err
	}
	backends = append(backends, engine)

	var lexicon *bias.Lexicon
	if cfg.BiasLexiconPath != "" {
		if lexicon, err = bias.LoadLexicon(cfg.BiasLexiconPath); err != nil {
			return nil, err
		}
	}
	pipeline, err := bias.NewPipeline(lexicon, logger)
	if err != nil {
		return nil, err
	}

	q, err := queue.OpenSQLite(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}

	var conn connectivity.Provider
	switch {
	case cfg.Connectivity.Offline:
		conn = connectivity.NewStatic(false)
	case len(remote) == 0:
		// Nothing needs the network, so there is nothing to wait for.
		logger.Info().Msg("no remote model configured, answering with local backends only")
		conn = connectivity.NewStatic(true)
	default:
		probe := connectivity.NewProbe(cfg.Connectivity.ProbeURL,
			connectivity.WithInterval(cfg.Connectivity.ProbeInterval),
			connectivity.WithLogger(logger),
		)
		probe.Check(ctx)
		conn = probe
	}

	opts := []Option{
		WithLogger(logger),
		WithGuidelines(store),
		WithTracker(ratelimit.New(remoteOrder,
			ratelimit.WithCooldown(cfg.RateLimit.Cooldown, cfg.RateLimit.MaxCooldown),
			ratelimit.WithLogger(logger),
		)),
		WithBias(pipeline),
		WithQueue(q),
		WithCache(cache.New(cfg.Cache.Size, cfg.Cache.TTL)),
		WithConnectivity(conn),
		WithMetrics(metrics.New()),
	}
	if cfg.Evidence.Dir != "" {
		w, err := evidence.NewWriter(cfg.Evidence.Dir)
		if err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("open evidence dir: %w", err)
		}
		opts = append(opts, WithEvidence(w))
	}
	opts = append(opts, extra...)

	o, err := New(Config{
		MaxRetries:        cfg.Retry.MaxRetries,
		Timeout:           cfg.Timeout(),
		BaseBackoff:       cfg.BaseBackoff(),
		MaxBackoff:        cfg.MaxBackoff(),
		DisableFallback:   !cfg.FallbackEnabled(),
		OfflinePreference: pref,
		ReplayInterval:    cfg.Queue.ReplayInterval,
		ReplayBatch:       cfg.Queue.BatchSize,
	}, backends, opts...)
	if err != nil {
		_ = q.Close()
		return nil, err
	}
	return o, nil
}

// RemoteBackends creates one remote-model backend per provider that has an
// API key, in the configured remote order.
func RemoteBackends(ctx context.Context, cfg *config.Config) ([]adapter.Backend, error) {
	var out []adapter.Backend
	for _, name := range cfg.Selection.RemoteOrder {
		if !cfg.HasProvider(name) {
			continue
		}
		var (
			gen adapter.Generator
			err error
		)
		switch name {
		case "gemini":
			gen, err = adapter.NewGeminiGenerator(ctx, cfg.GoogleAPIKey, cfg.Models.Gemini)
		case "claude":
			gen, err = adapter.NewClaudeGenerator(cfg.AnthropicAPIKey, cfg.Models.Claude)
		case "openai":
			gen, err = adapter.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.Models.OpenAI)
		case "deepseek":
			gen, err = adapter.NewDeepSeekGenerator(cfg.DeepSeekAPIKey, cfg.Models.DeepSeek)
		}
		if err != nil {
			return nil, fmt.Errorf("create %s backend: %w", name, err)
		}
		out = append(out, adapter.NewRemoteBackendWithID(name, gen))
	}
	return out, nil
}

func loadGuidelines(path string) (*guideline.MemoryStore, error) {
	if path == "" {
		return guideline.Default()
	}
	return guideline.LoadFile(path)
}
