package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aeiouboy/ris-pdm-performance/internal/app"
	"github.com/aeiouboy/ris-pdm-performance/internal/validation"
)

var errDiscrepancies = errors.New("validation found discrepancies")

type validateResult struct {
	ProjectID      string              `json:"projectId"`
	TeamID         string              `json:"teamId"`
	SprintDates    *validation.Verdict `json:"sprintDates,omitempty"`
	WorkItemCounts *validation.Verdict `json:"workItemCounts,omitempty"`
	Error          string              `json:"error,omitempty"`
}

func validateCmd(opts *rootOptions) *cobra.Command {
	var (
		project, team string
		sync          bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compare the cached dashboard data with the upstream tracker",
		Long: `Validate runs both data freshness checks for every configured target, or
for the one given with --project and --team, and prints the verdicts as JSON.
It exits non-zero when a check fails or cannot run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if project != "" || team != "" {
				cfg.Targets = []validation.Target{{ProjectID: project, TeamID: team}}
			}
			if len(cfg.Targets) == 0 {
				return fmt.Errorf("no targets: pass --project and --team or configure targets")
			}
			a, err := app.New(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if sync {
				if err := a.NewSyncer().SyncAll(ctx); err != nil {
					logger.Warn("snapshot sync incomplete", "error", err)
				}
			}

			failed := false
			results := make([]validateResult, 0, len(cfg.Targets))
			for _, t := range cfg.Targets {
				r := validateResult{ProjectID: t.ProjectID, TeamID: t.TeamID}
				r.SprintDates, r.WorkItemCounts, err = a.Validator.ValidateAll(ctx, t.ProjectID, t.TeamID, a.Upstream)
				if err != nil {
					r.Error = err.Error()
					failed = true
				}
				for _, v := range []*validation.Verdict{r.SprintDates, r.WorkItemCounts} {
					if v != nil && !v.Passed {
						failed = true
					}
				}
				results = append(results, r)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			if failed {
				return errDiscrepancies
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Project to validate")
	cmd.Flags().StringVar(&team, "team", "", "Team to validate")
	cmd.Flags().BoolVar(&sync, "sync", false, "Refresh the dashboard snapshot before validating")
	return cmd
}
