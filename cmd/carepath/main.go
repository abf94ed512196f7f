package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/config"
	"github.com/zen-systems/carepath/pkg/metrics"
	"github.com/zen-systems/carepath/pkg/orchestrator"
	"github.com/zen-systems/carepath/pkg/server"
)

var (
	configDir   string
	offlineFlag bool
	debugFlag   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carepath",
		Short: "Clinical decision support that keeps working offline",
		Long: `Carepath answers clinical questions for health workers. Each question is
	routed to a remote model when one is reachable, otherwise to the local
	guideline retrieval index or the rule engine. Unanswered questions are
	queued on disk and replayed when connectivity returns.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "configuration directory (default ~/.carepath)")
	rootCmd.PersistentFlags().BoolVar(&offlineFlag, "offline", false, "never use remote models")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "human-readable debug logging")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(backendsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func askCmd() *cobra.Command {
	var (
		patient    clinical.PatientContext
		age        int
		backend    string
		maxRetries int
		timeout    time.Duration
		noSave     bool
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a clinical question",
		Long: `Answers one question with the best available backend.

	Patient details sharpen both the answer and its confidence. Use --backend
	to force retrieval, rule or a remote model; if it is unavailable the normal
	selection applies. If nothing can answer, the question is queued for later
	unless --no-save is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			o, err := build(ctx, logger)
			if err != nil {
				return err
			}
			defer o.Close()

			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := o.WaitReady(waitCtx); err != nil {
				logger.Warn().Err(err).Msg("retrieval index not ready, continuing without it")
			}
			cancel()

			if cmd.Flags().Changed("age") {
				patient.Age = clinical.AgeOf(age)
			}
			opts := clinical.QueryOptions{
				Backend:      backend,
				MaxRetries:   maxRetries,
				Timeout:      timeout,
				SaveForLater: !noSave,
			}

			result, err := o.Answer(ctx, strings.Join(args, " "), patient, opts)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printAnswer(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().IntVar(&age, "age", 0, "patient age in years")
	cmd.Flags().StringVar(&patient.Gender, "gender", "", "patient gender")
	cmd.Flags().StringVar(&patient.Symptoms, "symptoms", "", "presenting symptoms")
	cmd.Flags().StringVar(&patient.History, "history", "", "relevant medical history")
	cmd.Flags().StringVar(&patient.Medications, "medications", "", "current medications, comma separated")
	cmd.Flags().StringVar(&patient.Allergies, "allergies", "", "known allergies")
	cmd.Flags().StringVar(&patient.Vitals, "vitals", "", "vital signs")
	cmd.Flags().StringVar(&patient.ExamFindings, "exam", "", "examination findings")
	cmd.Flags().BoolVar(&patient.Pregnant, "pregnant", false, "patient is pregnant")
	cmd.Flags().StringVar(&patient.ResourceLevel, "resource-level", "", "facility resources (basic, intermediate, advanced)")
	cmd.Flags().StringVar(&backend, "backend", "", "force a backend (retrieval, rule, gemini, claude, openai, deepseek)")
	cmd.Flags().IntVar(&maxRetries, "retries", 0, "attempts per backend (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout (default from config)")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not queue the question if it cannot be answered")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the full result as JSON")

	return cmd
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the offline queue replay loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.HTTP.Addr
			}

			logger := newLogger()
			m := metrics.New()
			o, err := orchestrator.FromConfig(ctx, cfg, logger, orchestrator.WithMetrics(m))
			if err != nil {
				return err
			}
			defer o.Close()

			srv := server.New(o, server.WithLogger(logger), server.WithMetrics(m.Handler()))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return o.Run(gctx)
			})
			g.Go(func() error {
				return srv.ListenAndServe(gctx, addr)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func statusCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, backends, rate limits and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := build(ctx, newLogger())
			if err != nil {
				return err
			}
			defer o.Close()

			st := o.Status(ctx)
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), st)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "online:      %t\n", st.Online)
			fmt.Fprintf(out, "queue depth: %d\n\n", st.QueueDepth)
			return printBackends(out, st.Backends)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print status as JSON")
	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay queued questions now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			o, err := build(ctx, logger)
			if err != nil {
				return err
			}
			defer o.Close()
			if err := o.WaitReady(ctx); err != nil {
				logger.Warn().Err(err).Msg("retrieval index not ready")
			}

			report := o.ReplayQueue(ctx)
			out := cmd.OutOrStdout()
			if report.Skipped {
				fmt.Fprintf(out, "replay skipped: %s\n", report.SkipReason)
				return nil
			}
			fmt.Fprintf(out, "processed %d, answered %d, remaining %d\n", report.Processed, report.Succeeded, report.Remaining)
			for _, e := range report.Errors {
				fmt.Fprintf(out, "  error: %s\n", e)
			}
			return nil
		},
	}
}

func backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List reasoning backends and their availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := build(cmd.Context(), newLogger())
			if err != nil {
				return err
			}
			defer o.Close()
			return printBackends(cmd.OutOrStdout(), o.Backends())
		},
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configDir != "" {
		cfg, err = config.LoadFrom(configDir)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if offlineFlag {
		cfg.Connectivity.Offline = true
	}
	return cfg, nil
}

func build(ctx context.Context, logger zerolog.Logger) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	o, err := orchestrator.FromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start orchestrator: %w", err)
	}
	return o, nil
}

func newLogger() zerolog.Logger {
	if debugFlag {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
}

func printAnswer(w io.Writer, r *clinical.AnswerResult) {
	if r.Failed() {
		fmt.Fprintln(w, r.Explanation)
	} else {
		fmt.Fprintln(w, r.Text)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "backend: %s  confidence: %s  reason: %s", orDash(r.Backend), r.Confidence, r.Selection.Reason)
	if r.Cached {
		fmt.Fprint(w, "  (cached)")
	}
	if r.Queued {
		fmt.Fprint(w, "  (queued for replay)")
	}
	fmt.Fprintln(w)
	if r.Bias != nil && r.Bias.Overall != clinical.SeverityNone {
		fmt.Fprintf(w, "bias: %s\n", r.Bias.Overall)
		for _, m := range r.Bias.Mitigations {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
}

func printBackends(out io.Writer, backends []clinical.BackendDescriptor) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tKIND\tREADY\tNETWORK\tLIMITED UNTIL")
	for _, b := range backends {
		limited := "-"
		if b.RateLimit != nil {
			limited = b.RateLimit.LimitedUntil.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", b.ID, b.Kind, b.Ready, b.Capabilities.RequiresNetwork, limited)
	}
	return w.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
