// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/engine"
	"github.com/xkilldash9x/waypoint/internal/knowledge"
	"github.com/xkilldash9x/waypoint/internal/observability"
	"github.com/xkilldash9x/waypoint/internal/orchestrator"
	"github.com/xkilldash9x/waypoint/internal/reporting"
	"github.com/xkilldash9x/waypoint/internal/scenario"
	"github.com/xkilldash9x/waypoint/internal/store"
)

// historyStore is the persistent side of operation history.
type historyStore interface {
	schemas.HistoryStore
	Close()
}

// openHistoryStore connects to PostgreSQL. Tests replace it.
var openHistoryStore = func(ctx context.Context, url string, logger *zap.Logger) (historyStore, error) {
	s, err := store.Open(ctx, url, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newRunCmd() *cobra.Command {
	var (
		scenarioPath string
		plannerName  string
		persist      bool
		concurrency  int
		dispatchRate float64
		format       string
		outputPath   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulated operation against a scenario",
		Long: `Plans and executes an operation over the abilities and agents described in a
scenario file. Links are executed by a simulated executor that follows the
scenario's scripted outcomes. Planners: ` + fmt.Sprint(orchestrator.PlannerNames),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("planner") {
				cfg.SetDefaultPlanner(plannerName)
			}
			if flags.Changed("concurrency") {
				if concurrency < 1 {
					return fmt.Errorf("--concurrency must be at least 1, got %d", concurrency)
				}
				cfg.SetEngineWorkerConcurrency(concurrency)
			}
			if flags.Changed("rate") {
				if dispatchRate < 0 {
					return fmt.Errorf("--rate must not be negative, got %g", dispatchRate)
				}
				cfg.SetEngineDispatchRate(dispatchRate)
			}

			report, err := reporting.New(format, outputPath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer report.Close()

			logger := observability.GetLogger()

			s, err := scenario.Load(scenarioPath)
			if err != nil {
				return err
			}
			data := knowledge.NewInMemory(logger)
			if err := s.Populate(ctx, data); err != nil {
				return fmt.Errorf("failed to load scenario into the data service: %w", err)
			}

			var hist historyStore
			if url := cfg.Database().URL; url != "" {
				hist, err = openHistoryStore(ctx, url, logger)
				if err != nil {
					return fmt.Errorf("failed to open history store: %w", err)
				}
				defer hist.Close()
				data.WithHistory(hist)
			} else if persist {
				return errors.New("--persist requires database.url to be configured")
			}

			orch, err := orchestrator.New(cfg, logger, data, engine.NewSimulatedExecutor(s.EngineOutcomes()))
			if err != nil {
				return err
			}
			if hist != nil {
				orch.WithHistoryStore(hist)
			}

			res, runErr := orch.Run(ctx, orchestrator.Request{
				Name:               s.Name,
				Planner:            cfg.Planners().Default,
				Adversary:          s.Adversary,
				Agents:             s.Agents,
				Visibility:         s.Visibility,
				Facts:              s.Facts,
				StoppingConditions: s.StoppingConditions,
				Persist:            persist,
			})
			// A failed run still has a record worth showing.
			if res.Record.ID != "" {
				if err := report.Write(&reporting.Report{Operation: res.Record, Facts: res.Facts}); err != nil {
					return errors.Join(runErr, err)
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "", "scenario file to run (required)")
	cmd.Flags().StringVarP(&plannerName, "planner", "p", "", "planner to use (defaults to planners.default)")
	cmd.Flags().BoolVar(&persist, "persist", false, "save the finished operation to the history database")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of links executed in parallel (overrides engine.worker_concurrency)")
	cmd.Flags().Float64Var(&dispatchRate, "rate", 0, "links dispatched per second, 0 for unlimited (overrides engine.dispatch_rate)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "report format: "+strings.Join(reporting.Formats, ", "))
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the report to this file instead of stdout")
	_ = cmd.MarkFlagRequired("scenario")

	return cmd
}
