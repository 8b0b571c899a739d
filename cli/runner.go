// Command execution for CLI commands.
//
// Information Hiding:
// - Provider, journal and engine setup hidden
// - Signal handling hidden (an interrupted run stays resumable)
// - Output formatting hidden

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/richinex/deepdive/config"
	"github.com/richinex/deepdive/durable"
	"github.com/richinex/deepdive/llm"
	"github.com/richinex/deepdive/research"
	"github.com/richinex/deepdive/storage"
)

// Options holds CLI execution options. Zero values defer to config.
type Options struct {
	Provider         string
	SubagentProvider string
	ConfigPath       string
	DBPath           string
	Depth            int // Negative = use configured depth
	Verbose          bool
}

// session is everything one run or resume needs.
type session struct {
	settings config.Settings
	journal  *storage.SqliteJournal
	orch     *research.Orchestrator
	engine   *durable.Engine
	oracles  []*research.LLMOracle
	log      *logrus.Logger
}

func openSession(opts Options) (*session, error) {
	settings, err := config.Load(opts.Provider, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.SubagentProvider != "" {
		settings.Research.SubagentProvider = opts.SubagentProvider
	}
	if opts.DBPath != "" {
		settings.Storage.Path = opts.DBPath
	}
	if opts.Depth >= 0 {
		settings.Research.Depth = opts.Depth
	}

	log, err := newLogger(settings.LogLevel, opts.Verbose)
	if err != nil {
		return nil, err
	}

	provider, err := createProvider(settings.LLM.Provider, settings)
	if err != nil {
		return nil, err
	}
	rootOracle := research.NewLLMOracle(provider).WithLogger(log)
	s := &session{settings: settings, oracles: []*research.LLMOracle{rootOracle}, log: log}

	s.orch = research.New(rootOracle, research.Config{
		ConsultTimeout: settings.Research.ConsultTimeout,
		ChildTimeout:   settings.Research.ChildTimeout,
		Instructions:   settings.Research.Instructions,
	}).WithLogger(log)

	if name := settings.Research.SubagentProvider; name != "" && name != settings.LLM.Provider {
		childProvider, err := createProvider(name, settings)
		if err != nil {
			return nil, fmt.Errorf("subagent provider: %w", err)
		}
		childOracle := research.NewLLMOracle(childProvider).WithLogger(log)
		s.oracles = append(s.oracles, childOracle)
		s.orch = s.orch.WithChildOracle(childOracle)
		log.WithFields(logrus.Fields{"provider": name, "model": childProvider.Model()}).Info("Using subagent provider")
	}

	s.journal, err = storage.OpenSqlite(settings.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	s.engine = durable.New(s.journal, s.orch.Execute).WithLogger(log)
	return s, nil
}

func (s *session) Close() {
	s.engine.Close()
	if err := s.journal.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to close journal")
	}
}

// Run researches topic from scratch.
func Run(ctx context.Context, topic string, opts Options) error {
	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Researching %s (depth %d, %s/%s)...\n\n",
		color.CyanString("%q", topic), s.settings.Research.Depth, s.settings.LLM.Provider, s.settings.LLM.Model)

	id, result, err := s.engine.Start(ctx, topic, s.settings.Research.Depth)
	return s.report(ctx, id, result, err)
}

// Resume continues an interrupted run.
func Resume(ctx context.Context, id string, opts Options) error {
	s, err := openSession(opts)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Resuming %s...\n\n", color.CyanString(id))
	result, err := s.engine.Resume(ctx, id)
	return s.report(ctx, id, result, err)
}

func (s *session) report(ctx context.Context, id, result string, err error) error {
	defer s.printMetrics()

	if err != nil {
		if ctx.Err() != nil && id != "" {
			fmt.Printf("\n%s Interrupted. Continue with: %s\n",
				color.YellowString("!"), color.CyanString("deepdive resume %s", id))
			return nil
		}
		if id != "" {
			fmt.Printf("%s Invocation %s failed\n", color.RedString("✗"), id)
		}
		return describe(err)
	}

	fmt.Printf("%s\n\n", result)
	fmt.Printf("%s %s\n", color.GreenString("✓"), id)
	return nil
}

func (s *session) printMetrics() {
	fmt.Printf("\n%s\n%s\n", color.CyanString("--- Metrics ---"), s.orch.Metrics().String())
	var prompt, completion int64
	for _, o := range s.oracles {
		p, c := o.Usage()
		prompt += p
		completion += c
	}
	if prompt+completion > 0 {
		fmt.Printf("Tokens: %d prompt + %d completion = %d\n", prompt, completion, prompt+completion)
	}
}

// describe prefixes err with a hint naming its kind.
func describe(err error) error {
	switch {
	case errors.Is(err, research.ErrInvalidInput):
		return fmt.Errorf("invalid input: %w", err)
	case errors.Is(err, research.ErrSubstrate):
		return fmt.Errorf("journal failure (the run can be resumed): %w", err)
	default:
		return err
	}
}

// newLogger creates the logger shared by the orchestrator and the engine.
// Logs go to stderr so stdout carries only the answer and summaries.
func newLogger(level string, verbose bool) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if verbose {
		lvl = logrus.DebugLevel
	}
	log.SetLevel(lvl)
	return log, nil
}

func createProvider(providerName string, settings config.Settings) (llm.Provider, error) {
	providerType, err := llm.ParseProviderType(providerName)
	if err != nil {
		return nil, err
	}

	model := settings.LLM.Model
	if providerName != settings.LLM.Provider {
		if model, err = config.ModelFor(providerName); err != nil {
			return nil, err
		}
	}

	apiKey, err := config.APIKeyFor(providerName)
	if err != nil {
		return nil, err
	}

	return providerType.
		Model(model).
		MaxTokens(settings.LLM.MaxTokens).
		Temperature(float32(settings.LLM.Temperature)).
		APIKey(apiKey)
}
