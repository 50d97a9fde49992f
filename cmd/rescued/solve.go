package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rescuenav/internal/api"
	"rescuenav/internal/config"
	"rescuenav/internal/model"
	"rescuenav/internal/replan"
	"rescuenav/internal/store"
)

// Scenario is an offline planning input: the field state at Now.
type Scenario struct {
	Now         time.Time               `json:"now"`
	Responders  []model.ResponderEvent  `json:"responders"`
	Detections  []model.DetectionEvent  `json:"detections"`
	Likelihoods []model.LikelihoodEvent `json:"likelihoods,omitempty"`
}

func newSolveCmd() *cobra.Command {
	var budget time.Duration
	cmd := &cobra.Command{
		Use:   "solve <scenario.json|->",
		Short: "Plan routes for a scenario file and print the plan as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if budget > 0 {
				cfg.Replan.TimeBudget = budget
			}
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var sc Scenario
			if err := json.NewDecoder(in).Decode(&sc); err != nil {
				return fmt.Errorf("decode scenario: %w", err)
			}
			plan, err := solveScenario(cmd.Context(), cfg, sc)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(plan)
		},
	}
	cmd.Flags().DurationVar(&budget, "budget", 0, "solver time budget (overrides config)")
	return cmd
}

// solveScenario runs the scenario through the same ingestion pipeline and
// coordinator the service uses, without starting any servers.
func solveScenario(ctx context.Context, cfg config.Config, sc Scenario) (model.Plan, error) {
	if sc.Now.IsZero() {
		sc.Now = time.Now().UTC()
	}
	clock := func() time.Time { return sc.Now }
	cost, err := cfg.CostModel()
	if err != nil {
		return model.Plan{}, err
	}
	eng, err := cfg.PriorityEngine()
	if err != nil {
		return model.Plan{}, err
	}
	st := store.NewMemory()
	st.Cost = cost
	st.Now = clock
	ing := &api.Ingestor{Store: st, Cost: cost, Now: clock}

	for _, r := range sc.Responders {
		if _, err := ing.Responder(ctx, "scenario", r); err != nil {
			return model.Plan{}, fmt.Errorf("responder %s: %w", r.ResponderID, err)
		}
	}
	for _, d := range sc.Detections {
		if _, err := ing.Detection(ctx, "scenario", d); err != nil {
			return model.Plan{}, fmt.Errorf("detection %s: %w", d.VictimID, err)
		}
	}
	for _, l := range sc.Likelihoods {
		if _, err := ing.Likelihood(ctx, "scenario", l); err != nil {
			return model.Plan{}, fmt.Errorf("likelihood %s: %w", l.VictimID, err)
		}
	}

	coord := replan.New(cfg.ReplanConfig(), st, eng, cfg.RoutePlanner(cost), nil)
	coord.SetClock(clock)
	return coord.ReplanNow(ctx)
}
