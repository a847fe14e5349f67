package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shadowgate/adapters/api"
	"shadowgate/adapters/excel"
	"shadowgate/adapters/memlog"
	"shadowgate/adapters/memstate"
	"shadowgate/adapters/postgres"
	"shadowgate/app"
	"shadowgate/domain/core"
	"shadowgate/domain/gate"
	"shadowgate/domain/governor"
	"shadowgate/domain/guardrail"
	"shadowgate/domain/rules"
	"shadowgate/internal/config"
	"shadowgate/internal/logging"
	"shadowgate/internal/metrics"
	"shadowgate/ports"
)

func main() {
	var configPath string
	var baselineProb float64
	var volDelta float64
	var vvixRise float64

	rootCmd := &cobra.Command{
		Use:   "shadowgate",
		Short: "Shadow evaluation and rollout gating for calibrated forecasts",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().Float64Var(&baselineProb, "baseline", 0.5, "Baseline probability for this cycle")
	rootCmd.PersistentFlags().Float64Var(&volDelta, "vol-delta", 0, "Absolute VIX change for this cycle")
	rootCmd.PersistentFlags().Float64Var(&vvixRise, "vvix-rise", 0, "VVIX rise for this cycle")

	build := func() (*engine, error) {
		return buildEngine(configPath, baselineProb, rules.AuxiliarySignals{
			VolatilityDelta: volDelta,
			VVIXRise:        vvixRise,
		})
	}

	rootCmd.AddCommand(
		newCycleCmd(build),
		newOutcomeCmd(build),
		newGateCmd(build),
		newGovernorCmd(build),
		newStateCmd(build),
		newImportOutcomesCmd(),
		newServeCmd(build),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// engine is the fully wired application.
type engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	runner   *app.ShadowRunner
	rollout  *app.RolloutService
	close    func()
}

type staticBaseline float64

func (b staticBaseline) BaselineProbability(context.Context, core.CycleKey) (float64, error) {
	return float64(b), nil
}

type staticSignals rules.AuxiliarySignals

func (s staticSignals) AuxiliarySignals(context.Context, core.CycleKey) (rules.AuxiliarySignals, error) {
	return rules.AuxiliarySignals(s), nil
}

func buildEngine(configPath string, baseline float64, signals rules.AuxiliarySignals) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)

	closer := func() {}
	var decisions ports.DecisionLog
	var states ports.StateStore
	if cfg.Database.URL != "" {
		db, err := postgres.Connect(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		repo := postgres.NewDecisionLogRepository(db)
		if err := repo.EnsureSchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
		stateRepo := postgres.NewStateRepository(db)
		if err := stateRepo.EnsureSchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
		decisions = repo
		states = stateRepo
		closer = func() { db.Close() }
		log.Info().Msg("using postgres decision log")
	} else {
		decisions = memlog.New()
		states = memstate.New()
		log.Warn().Msg("no DATABASE_URL set, decision log is in-memory")
	}

	var outcomes ports.OutcomeStore
	if cfg.Outcomes.File != "" {
		rows, err := excel.NewOutcomeReader(cfg.Outcomes.File).Read()
		if err != nil {
			closer()
			return nil, err
		}
		log.Info().Int("rows", len(rows)).Str("file", cfg.Outcomes.File).Msg("outcome history loaded")
		outcomes = excel.NewOutcomeStore(rows)
	} else {
		outcomes = excel.NewOutcomeStore(nil)
		log.Warn().Msg("no outcome history file, calibration will run degraded")
	}

	ruleRegistry, err := rules.NewRegistry(cfg.Rules)
	if err != nil {
		closer()
		return nil, err
	}

	rollout, err := app.NewRolloutService(context.Background(), decisions, states,
		gate.New(cfg.Gate), governor.New(cfg.Governor), recorder, log)
	if err != nil {
		closer()
		return nil, err
	}
	pipeline := app.NewPipeline(cfg.Pipeline, rules.NewAdjuster(ruleRegistry),
		guardrail.NewEnforcer(cfg.Guardrail, cfg.Pipeline.Lambda), log)
	runner := app.NewShadowRunner(cfg.Shadow, pipeline,
		staticBaseline(baseline), outcomes, staticSignals(signals),
		decisions, rollout.Machine(), recorder, log)

	return &engine{
		cfg:      cfg,
		log:      log,
		registry: registry,
		runner:   runner,
		rollout:  rollout,
		close:    closer,
	}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCycleCmd(build func() (*engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "cycle [date/session]",
		Short: "Run one shadow cycle and log the decision",
		Long: `Run the blend/adjustment pipeline for one cycle and append the result
to the decision log.

Example: shadowgate cycle 2025-08-22/pm --baseline 0.58`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := core.ParseCycleKey(args[0])
			if err != nil {
				return err
			}
			eng, err := build()
			if err != nil {
				return err
			}
			defer eng.close()

			entry, err := eng.runner.RunCycle(cmd.Context(), key)
			if err != nil {
				return err
			}
			return printJSON(entry)
		},
	}
}

func newOutcomeCmd(build func() (*engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "outcome [date/session] [hit|miss]",
		Short: "Record the realized outcome for a logged cycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := core.ParseCycleKey(args[0])
			if err != nil {
				return err
			}
			var actual bool
			switch args[1] {
			case "hit", "true", "1", "up":
				actual = true
			case "miss", "false", "0", "down":
				actual = false
			default:
				return fmt.Errorf("outcome must be hit or miss, got %q", args[1])
			}
			eng, err := build()
			if err != nil {
				return err
			}
			defer eng.close()

			outcome, err := eng.runner.RecordOutcome(cmd.Context(), key, actual)
			if err != nil {
				return err
			}
			return printJSON(outcome)
		},
	}
}

func newGateCmd(build func() (*engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "gate",
		Short: "Evaluate the rollout gate and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := build()
			if err != nil {
				return err
			}
			defer eng.close()

			report, err := eng.rollout.GateReport(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(api.RenderGateMarkdown(report, eng.rollout.CandidateState()))
			return nil
		},
	}
}

func newGovernorCmd(build func() (*engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "governor",
		Short: "Print the governor assessment and active mute",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := build()
			if err != nil {
				return err
			}
			defer eng.close()

			assessment, mute, err := eng.rollout.GovernorStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"assessment":  assessment,
				"active_mute": mute,
			})
		},
	}
}

func newStateCmd(build func() (*engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the candidate lifecycle state and transition history",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			eng, err := build()
			if err != nil {
				return err
			}
			defer eng.close()

			return printJSON(map[string]interface{}{
				"state":   eng.rollout.CandidateState(),
				"history": eng.rollout.StateHistory(),
			})
		},
	}
}

func newImportOutcomesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-outcomes [file]",
		Short: "Parse and validate an outcome history spreadsheet",
		Long: `Read an xlsx or csv outcome history file and report what it contains.
The expected columns are date, predicted, actual, and an optional miss
tag.

Example: shadowgate import-outcomes outcomes.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rows, err := excel.NewOutcomeReader(args[0]).Read()
			if err != nil {
				return err
			}
			tagged := 0
			for _, r := range rows {
				if r.Tag != "" {
					tagged++
				}
			}
			return printJSON(map[string]interface{}{
				"rows":   len(rows),
				"tagged": tagged,
			})
		},
	}
}

func newServeCmd(build func() (*engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API and the periodic gate/governor sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := build()
			if err != nil {
				return err
			}
			defer eng.close()

			server := api.NewServer(api.Config{
				Addr:            eng.cfg.Server.Addr,
				ReadTimeout:     eng.cfg.Server.ReadTimeout,
				WriteTimeout:    eng.cfg.Server.WriteTimeout,
				ShutdownTimeout: eng.cfg.Server.ShutdownTimeout,
			}, eng.runner, eng.rollout, eng.registry, eng.log)

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				return server.Start(ctx)
			})
			g.Go(func() error {
				ticker := time.NewTicker(eng.cfg.Evaluate.Interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-ticker.C:
						if _, err := eng.rollout.EvaluateAndTransition(ctx); err != nil {
							eng.log.Error().Err(err).Msg("evaluation sweep failed")
						}
					}
				}
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
