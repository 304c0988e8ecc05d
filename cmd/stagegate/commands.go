package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/stagegate/internal/audit"
	"github.com/kingrea/stagegate/internal/enforce"
	"github.com/kingrea/stagegate/internal/instance"
)

func newEnforceCmd(a *app, code *int) *cobra.Command {
	var req enforce.Request
	cmd := &cobra.Command{
		Use:   "enforce <stage>",
		Short: "Check (and commit) a stage transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TargetStage = args[0]
			decision, err := a.engine.Enforcer.Enforce(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), decision.Message)
			switch {
			case decision.Allowed:
				*code = exitAllowed
			case req.Force:
				// A rejected override is a failed bypass, not a plain block.
				*code = exitFailed
			default:
				*code = exitBlocked
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.InstanceID, "instance", "i", "", "workflow instance id (empty starts a fresh run)")
	cmd.Flags().StringVar(&req.Title, "title", "", "title for a freshly started run")
	cmd.Flags().StringVarP(&req.Reason, "reason", "r", "", "reason for deviating / override justification")
	cmd.Flags().BoolVarP(&req.Force, "force", "f", false, "override a strict-mode block (audited)")
	cmd.Flags().StringVar(&req.MetricsSince, "since", "", "diff reference for significance metrics")
	cmd.Flags().BoolVar(&req.IncludeUntracked, "untracked", false, "count untracked files as changed entities")
	return cmd
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the workflow schema and stage tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Schema problems already failed engine construction; report
			// what the schema and the disk agree on.
			dirs, err := a.engine.Scanner.Discover(true)
			if err != nil {
				return err
			}
			var missing []string
			for _, stage := range a.engine.Schema.Stages {
				if _, ok := dirs[stage.ID]; !ok {
					missing = append(missing, stage.ID)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema %q v%s: %d stages, %d rules\n",
				a.engine.Schema.WorkflowName, a.engine.Schema.Version,
				len(a.engine.Schema.Stages), len(a.engine.Schema.Rules))
			if len(missing) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "stages without a directory under %s: %s\n",
					a.cfg.StagesDir, strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List workflow instances, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := []instance.Status{instance.StatusInProgress}
			if all {
				statuses = nil
			}
			instances, err := a.engine.Store.List(statuses...)
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no instances")
				return nil
			}
			for _, inst := range instances {
				current := inst.CurrentStage
				if current == "" {
					current = "(not started)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s  %-16s  %s\n",
					inst.ID, inst.Status, current, inst.Title)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include completed and abandoned instances")
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent enforcement bypasses",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.engine.Audit.Recent(audit.KindBypass, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no bypass entries")
				return nil
			}
			for _, entry := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  stage=%s  %q\n",
					entry.Timestamp.Format("2006-01-02 15:04:05"),
					entry.User, entry.Metadata["stage"], entry.Justification)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum entries to show")
	return cmd
}

func newRecoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <instance-id>",
		Short: "Rebuild an instance record from its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := a.engine.Store.Recover(args[0])
			if err != nil {
				return err
			}
			if _, err := a.engine.Audit.Log(audit.KindRecovery, "", map[string]string{
				"instance_id": inst.ID,
				"status":      string(inst.Status),
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %s: status=%s current=%s completed=%s\n",
				inst.ID, inst.Status, inst.CurrentStage,
				strings.Join(inst.CompletedStageIDs(), ","))
			return nil
		},
	}
}
