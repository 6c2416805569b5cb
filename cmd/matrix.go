// File: cmd/matrix.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/history"
	"github.com/xkilldash9x/waypoint/internal/observability"
	"github.com/xkilldash9x/waypoint/internal/scenario"
)

func newMatrixCmd() *cobra.Command {
	var (
		scenarioPath string
		abilities    []string
		showRows     bool
	)

	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Inspect the link history used by the bayes planner",
		Long: `Builds the past-link matrix from the history in a scenario file and, when
database.url is set, from the history database. Prints per-ability success
estimates, or the raw rows with --rows.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			var sources []history.Source
			if scenarioPath != "" {
				s, err := scenario.Load(scenarioPath)
				if err != nil {
					return err
				}
				sources = append(sources, staticHistory(s.Operations()))
			}
			if url := cfg.Database().URL; url != "" {
				hist, err := openHistoryStore(ctx, url, logger)
				if err != nil {
					return fmt.Errorf("failed to open history store: %w", err)
				}
				defer hist.Close()
				sources = append(sources, hist)
			}
			if len(sources) == 0 {
				return errors.New("no history: pass --scenario or configure database.url")
			}

			ops, err := history.NewMultiSource(logger, sources...).LocateOperations(ctx)
			if err != nil {
				return fmt.Errorf("failed to load operation history: %w", err)
			}
			bayes := cfg.Planners().Bayes
			matrix := history.BuildMatrix(ops, bayes.ExcludedTraitPrefixes, logger)
			logger.Debug("Built link matrix.", zap.Int("operations", len(ops)), zap.Int("rows", matrix.Len()))

			if len(abilities) > 0 {
				matrix = &history.Matrix{Rows: lo.Filter(matrix.Rows, func(r history.Row, _ int) bool {
					return slices.Contains(abilities, r.AbilityID)
				})}
			}

			out := cmd.OutOrStdout()
			if showRows {
				return writeRows(out, matrix)
			}
			return writeEstimates(out, history.NewModel(matrix), abilities, bayes.MinLinkData)
		},
	}

	cmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "", "scenario file whose history is included")
	cmd.Flags().StringSliceVarP(&abilities, "ability", "a", nil, "limit output to these ability ids")
	cmd.Flags().BoolVar(&showRows, "rows", false, "print the raw matrix rows")
	return cmd
}

// staticHistory serves a fixed set of operations as a history source.
type staticHistory []schemas.OperationRecord

func (h staticHistory) LocateOperations(_ context.Context) ([]schemas.OperationRecord, error) {
	return h, nil
}

// writeEstimates prints one line per ability with its observed outcomes and
// the probability of success estimated from them. Requested abilities with no
// history are listed too.
func writeEstimates(w io.Writer, model *history.Model, requested []string, minLinkData int) error {
	byAbility := lo.GroupBy(model.Matrix().Rows, func(r history.Row) string { return r.AbilityID })
	ids := lo.Uniq(append(lo.Keys(byAbility), requested...))
	slices.Sort(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ABILITY\tOBSERVATIONS\tSUCCESSES\tP(SUCCESS)")
	for _, id := range ids {
		rows := byAbility[id]
		successes := lo.CountBy(rows, func(r history.Row) bool { return r.Status == schemas.StatusSuccess })
		est := model.SuccessProbability(history.Query{Equals: map[string]string{history.FeatureAbilityID: id}}, minLinkData)
		prob := "n/a"
		if est.Defined {
			prob = strconv.FormatFloat(est.Probability, 'f', 3, 64)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", id, len(rows), successes, prob)
	}
	return tw.Flush()
}

func writeRows(w io.Writer, m *history.Matrix) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(history.FeatureNames, "\t"))
	for i := range m.Rows {
		fmt.Fprintln(tw, strings.Join(m.Rows[i].Values(), "\t"))
	}
	return tw.Flush()
}
