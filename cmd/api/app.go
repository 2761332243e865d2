package main

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/rag-concierge/backend/internal/config"
	"github.com/zhouzirui/rag-concierge/backend/internal/handler"
	"github.com/zhouzirui/rag-concierge/backend/internal/observability"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/lead"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/messenger"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/pipeline"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/webchat"
)

// app owns the long-lived collaborators built at startup.
type app struct {
	routes  handler.Deps
	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	metrics := observability.NewMetrics()

	p, err := pipeline.Build(ctx, cfg, metrics)
	if err != nil {
		return nil, err
	}
	log.Info().Strs("languages", p.Bundle.Languages()).Str("default", p.Bundle.DefaultLanguage()).Msg("localization loaded")
	log.Info().Str("provider", cfg.LLM.Provider).Str("web_model", cfg.Web.Model).Str("social_model", cfg.Social.Model).Msg("completion provider ready")

	a.routes = handler.Deps{
		Chat: webchat.NewService(p.Retriever, p.Invoker, p.Composer, webchat.Config{
			TopK:    cfg.Web.TopK,
			Options: pipeline.ChannelOptions(cfg.LLM, cfg.Web),
		}),
		Metrics:        metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}

	if !cfg.Social.Enabled() {
		log.Info().Msg("INSTAGRAM_VERIFY_TOKEN or INSTAGRAM_ACCESS_TOKEN not set, social channel disabled")
		return a, nil
	}

	machine, err := a.buildLeadMachine(cfg, lead.Deps{
		Retriever: p.Retriever,
		Completer: p.Invoker,
		Composer:  p.Composer,
		Bundle:    p.Bundle,
		Metrics:   metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.routes.Webhook = machine
	a.routes.VerifyToken = cfg.Social.VerifyToken
	return a, nil
}

func (a *app) buildLeadMachine(cfg *config.Config, deps lead.Deps) (*lead.Machine, error) {
	sender, err := messenger.NewGraphSender(messenger.GraphConfig{
		BaseURL:     cfg.Social.GraphBaseURL,
		Version:     cfg.Social.GraphVersion,
		AccessToken: cfg.Social.AccessToken,
		Timeout:     cfg.ProviderTimeout,
	}, deps.Metrics)
	if err != nil {
		return nil, errors.Wrap(err, "create graph sender")
	}
	deps.Sender = sender

	if cfg.Lead.RedisURL != "" {
		client, err := lead.NewRedisClient(cfg.Lead.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)
		deps.Store = lead.NewRedisStore(client, cfg.Lead.StateTTL)
		log.Info().Dur("ttl", cfg.Lead.StateTTL).Msg("lead state stored in redis")
	} else {
		deps.Store = lead.NewMemoryStore()
	}

	if cfg.Lead.DBPath != "" {
		sink, err := lead.NewSQLiteSink(cfg.Lead.DBPath)
		if err != nil {
			return nil, errors.Wrap(err, "open lead database")
		}
		a.closers = append(a.closers, sink)
		deps.Sink = sink
		log.Info().Str("path", cfg.Lead.DBPath).Msg("lead captures stored in sqlite")
	} else {
		deps.Sink = lead.LogSink{}
	}

	return lead.NewMachine(deps, lead.Config{
		Language: cfg.Social.Language,
		TopK:     cfg.Social.TopK,
		Options:  pipeline.ChannelOptions(cfg.LLM, cfg.Social.ChannelConfig),
	})
}
