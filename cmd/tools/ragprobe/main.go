// Command ragprobe runs the retrieval and prompt pipeline for one query from
// the command line, optionally asking the model, and lists stored leads.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/rag-concierge/backend/internal/analysis/intent"
	"github.com/zhouzirui/rag-concierge/backend/internal/config"
	"github.com/zhouzirui/rag-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/ai"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/lead"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/pipeline"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/prompt"
	"github.com/zhouzirui/rag-concierge/backend/internal/service/retrieval"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("no .env file, using system environment variables")
	}

	mode := flag.String("mode", "prompt", "probe mode: retrieve, prompt, complete or leads")
	channel := flag.String("channel", "web", "channel whose settings are used: web or social")
	query := flag.String("q", "", "question to probe")
	language := flag.String("lang", "English", "response language")
	submitted := flag.Bool("submitted", false, "treat the client as having submitted contact details (web)")
	topK := flag.Int("topk", 0, "override the channel topK")
	dbPath := flag.String("db", "", "lead database path for -mode=leads (default LEAD_DB_PATH)")
	sender := flag.String("sender", "", "only list leads of this sender")
	timeout := flag.Duration("timeout", 45*time.Second, "overall timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *mode == "leads" {
		path := *dbPath
		if path == "" {
			path = cfg.Lead.DBPath
		}
		if err := listLeads(ctx, os.Stdout, path, *sender); err != nil {
			log.Fatal().Err(err).Msg("failed to list leads")
		}
		return
	}

	if *query == "" {
		flag.Usage()
		log.Fatal().Msg("provide the question with -q")
	}

	var channelCfg config.ChannelConfig
	switch *channel {
	case "web":
		channelCfg = cfg.Web
	case "social":
		channelCfg = cfg.Social.ChannelConfig
	default:
		log.Fatal().Str("channel", *channel).Msg("channel must be web or social")
	}
	if *topK > 0 {
		channelCfg.TopK = *topK
	}

	p := probe{
		out:       os.Stdout,
		channel:   *channel,
		cfg:       channelCfg,
		language:  *language,
		submitted: *submitted,
	}
	if err := p.setup(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}

	switch *mode {
	case "retrieve":
		err = p.retrieve(ctx, *query)
	case "prompt":
		err = p.prompt(ctx, *query, false)
	case "complete":
		err = p.prompt(ctx, *query, true)
	default:
		flag.Usage()
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("probe failed")
	}
}

type probe struct {
	out       io.Writer
	channel   string
	cfg       config.ChannelConfig
	language  string
	submitted bool

	retriever *retrieval.Retriever
	composer  *prompt.Composer
	invoker   *ai.Invoker
	opts      ai.Options
}

func (p *probe) setup(ctx context.Context, cfg *config.Config) error {
	built, err := pipeline.Build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	p.retriever = built.Retriever
	p.composer = built.Composer
	p.invoker = built.Invoker
	p.opts = pipeline.ChannelOptions(cfg.LLM, p.cfg)
	return nil
}

func (p *probe) retrieve(ctx context.Context, query string) error {
	started := time.Now()
	passages, err := p.retriever.Passages(ctx, chat.NormalizeQuestion(query), p.cfg.TopK)
	if err != nil {
		return err
	}
	log.Info().Int("passages", len(passages)).Dur("took", time.Since(started)).Msg("retrieval done")
	return writeJSON(p.out, passages)
}

func (p *probe) prompt(ctx context.Context, query string, complete bool) error {
	question := chat.NormalizeQuestion(query)
	knowledge, err := p.retriever.Retrieve(ctx, question, p.cfg.TopK)
	if err != nil {
		return err
	}

	var composition prompt.Composition
	if p.channel == "social" {
		composition = p.composer.ComposeLeadTriage(question, knowledge, p.language)
	} else {
		composition = p.composer.Compose([]chat.Message{chat.UserMessage(question)}, knowledge, p.language, p.submitted)
	}

	fmt.Fprintln(p.out, "=== system ===")
	fmt.Fprintln(p.out, composition.System.Content)
	for _, msg := range composition.Window {
		fmt.Fprintf(p.out, "=== %s ===\n%s\n", msg.Role, msg.Content)
	}
	if !complete {
		return nil
	}

	reply, err := p.invoker.Complete(ctx, composition.Messages(), p.opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(p.out, "=== completion ===")
	fmt.Fprintln(p.out, reply)
	if p.channel == "social" {
		fmt.Fprintf(p.out, "=== intent: %s ===\n", intent.Classify(reply).Kind)
	}
	return nil
}

func listLeads(ctx context.Context, out io.Writer, path, sender string) error {
	if path == "" {
		return errors.New("no lead database configured, pass -db or set LEAD_DB_PATH")
	}
	sink, err := lead.NewSQLiteSink(path)
	if err != nil {
		return err
	}
	defer sink.Close()

	captures, err := sink.List(ctx, sender)
	if err != nil {
		return err
	}
	return writeJSON(out, captures)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
