// Package main is the entry point for the arch gateway.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/howard-nolan/archgw/internal/config"
	"github.com/howard-nolan/archgw/internal/egress"
	"github.com/howard-nolan/archgw/internal/hostabi"
	"github.com/howard-nolan/archgw/internal/metrics"
	"github.com/howard-nolan/archgw/internal/promptgateway"
	"github.com/howard-nolan/archgw/internal/provider"
	"github.com/howard-nolan/archgw/internal/ratelimit"
	"github.com/howard-nolan/archgw/internal/server"
	"github.com/howard-nolan/archgw/internal/tokencount"
	"github.com/howard-nolan/archgw/internal/tracing"
)

// traceBufferCapacity bounds how many completed turns' trace data sit in
// memory awaiting drain; arch_tracing.rs flushes to an OTLP exporter,
// which this port doesn't carry (see DESIGN.md), so the buffer instead
// just caps memory and reports drops via Dropped().
const traceBufferCapacity = 4096

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	registry := prometheus.NewRegistry()
	gatewayMetrics := metrics.New(registry)

	providers, adapters := buildProviders(cfg)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
	rateLimiter := ratelimit.New(rdb, buildRules(cfg))

	tokens := tokencount.New(vocabLoader(cfg.Tokenizer.VocabPath))
	traces := tracing.NewBuffer(traceBufferCapacity)

	egressHandler := egress.New(egress.Deps{
		Providers:         providers,
		ProviderAdapters:  adapters,
		Client:            http.DefaultClient,
		RateLimiter:       rateLimiter,
		Tokens:            tokens,
		Metrics:           gatewayMetrics,
		Traces:            traces,
		AgentOrchestrator: cfg.Overrides.UseAgentOrchestrator,
		Now:               time.Now,
	})

	gatewayHandler := promptgateway.New(promptgateway.Deps{
		Host:          hostabi.NewHTTPHost(cfg.PromptGateway.FCModel.Timeout),
		PromptTargets: cfg.PromptTargets,
		SystemPrompt:  cfg.PromptGateway.SystemPrompt,
		FCModel:       cfg.PromptGateway.FCModel,
		Overrides:     cfg.Overrides,
		Metrics:       gatewayMetrics,
		Next:          egressHandler,
		Now:           time.Now,
	})

	srv := server.New(cfg, gatewayHandler, registry)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("archgw listening on :%d", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// buildProviders splits configured providers into the plain-data Set the
// selector (C4) and egress (C6) reason about, and the live adapters
// (non-OpenAI dialects) egress dispatches through when a provider's
// Interface isn't "openai".
func buildProviders(cfg *config.Config) (*provider.Set, map[string]provider.Provider) {
	type adapterFactory func(apiKey, baseURL string) provider.Provider

	factories := map[string]adapterFactory{
		"google": func(apiKey, baseURL string) provider.Provider {
			return provider.NewGoogleProvider(apiKey, baseURL, http.DefaultClient)
		},
		"anthropic": func(apiKey, baseURL string) provider.Provider {
			return provider.NewAnthropicProvider(apiKey, baseURL, http.DefaultClient)
		},
	}

	var records []provider.Record
	adapters := make(map[string]provider.Provider)

	for name, p := range cfg.Providers {
		records = append(records, provider.Record{
			Name:      name,
			Interface: p.Interface,
			AccessKey: p.APIKey,
			Endpoint:  p.BaseURL,
			Port:      p.Port,
			Model:     firstModel(p.Models),
			Default:   p.Default,
		})

		if p.Interface != "" && p.Interface != "openai" {
			factory, ok := factories[p.Interface]
			if !ok {
				log.Fatalf("no adapter wired for provider interface %q", p.Interface)
			}
			adapters[p.Interface] = factory(p.APIKey, p.BaseURL)
		}
	}

	return provider.NewSet(records), adapters
}

func firstModel(models []string) string {
	if len(models) == 0 {
		return ""
	}
	return models[0]
}

// buildRules flattens every provider's configured rate-limit rules into
// the registry's single (model -> Rule) namespace; model names are
// unique across providers in practice, since a client's request only
// ever names one.
func buildRules(cfg *config.Config) []ratelimit.Rule {
	var rules []ratelimit.Rule
	for _, p := range cfg.Providers {
		for _, rl := range p.RateLimits {
			rules = append(rules, ratelimit.Rule{
				Model:           rl.Model,
				SelectorKey:     rl.SelectorKey,
				TokensPerWindow: rl.TokensPerWindow,
				Window:          rl.Window,
			})
		}
	}
	return rules
}

// vocabLoader resolves every model name to the single configured
// tokenizer.json, the same fixed-vocabulary deployment shape
// common/src/tokenizer.rs assumes (one bundled BPE vocab file, not a
// per-model directory).
func vocabLoader(path string) tokencount.VocabLoader {
	return func(model string) (string, error) {
		if path == "" {
			return "", fmt.Errorf("no tokenizer vocab_path configured")
		}
		return path, nil
	}
}
