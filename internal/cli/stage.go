package cli

import (
	"fmt"
	"strconv"

	"git.yunify.com/quanxiang/scheduler/apis"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"github.com/spf13/cobra"
)

func newRerunCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <PIPELINE> <COUNTER> <STAGE>",
		Short: "Rerun a stage of a pipeline run",
		Long:  `Schedules a new instance of the stage. COUNTER is a pipeline counter or "latest".`,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sr, err := o.client().RerunStage(cmd.Context(), &apis.RerunStage{
				PipelineName:    args[0],
				PipelineCounter: args[1],
				StageName:       args[2],
				Identity:        v1alpha1.Identity{Name: o.user},
			})
			if err != nil {
				return err
			}
			printStageRun(cmd.OutOrStdout(), sr)
			return nil
		},
	}
}

func newCancelCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <STAGE_RUN_ID>",
		Short: "Cancel a stage run and its active downstream stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			result, err := o.client().CancelAndTriggerRelevantStages(cmd.Context(), &apis.CancelStage{
				StageRunID: id,
				Identity:   v1alpha1.Identity{Name: o.user},
			})
			if err != nil {
				return err
			}
			printCancelResult(cmd.OutOrStdout(), result)
			if result.Partial() {
				return fmt.Errorf("%d downstream stage(s) could not be cancelled", len(result.Failed))
			}
			return nil
		},
	}
}

func newScheduleCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <PIPELINE>",
		Short: "Start a new pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plr, err := o.client().SchedulePipeline(cmd.Context(), &apis.SchedulePipeline{
				PipelineName: args[0],
				Identity:     v1alpha1.Identity{Name: o.user},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s #%d (%d stages)\n", plr.PipelineName, plr.Counter, len(plr.Stages))
			return nil
		},
	}
}

func newReportCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "report <STAGE_RUN_ID> <STATE>",
		Short: "Report the state of a stage run (Building, Passed, Failed, Cancelled)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			state, ok := v1alpha1.ParseStageState(args[1])
			if !ok {
				return fmt.Errorf("invalid state %q (Building, Passed, Failed, Cancelled)", args[1])
			}
			sr, err := o.client().ReportStageResult(cmd.Context(), &apis.ReportStageResult{
				StageRunID: id,
				State:      state,
			})
			if err != nil {
				return err
			}
			printStageRun(cmd.OutOrStdout(), sr)
			return nil
		},
	}
}

func newGetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <STAGE_RUN_ID>",
		Short: "Show a stage run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			sr, err := o.client().GetStageRun(cmd.Context(), &apis.GetStageRun{ID: id})
			if err != nil {
				return err
			}
			printStageRun(cmd.OutOrStdout(), sr)
			return nil
		},
	}
}

func newHistoryCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <PIPELINE> <COUNTER> <STAGE>",
		Short: "List all instances of a stage in a pipeline run",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.client()
			resolved, err := c.ResolveCounter(cmd.Context(), &apis.ResolveCounter{PipelineName: args[0], Token: args[1]})
			if err != nil {
				return err
			}
			runs, err := c.ListStageRuns(cmd.Context(), &apis.ListStageRuns{StageIdentifier: v1alpha1.StageIdentifier{
				PipelineName:    args[0],
				PipelineCounter: resolved.Counter,
				StageName:       args[2],
			}})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No stage runs.")
				return nil
			}
			for _, sr := range runs {
				printStageRun(cmd.OutOrStdout(), sr)
			}
			return nil
		},
	}
}

func newCounterCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "counter <PIPELINE> <TOKEN>",
		Short: "Resolve a pipeline counter token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := o.client().ResolveCounter(cmd.Context(), &apis.ResolveCounter{PipelineName: args[0], Token: args[1]})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s #%d\n", resolved.PipelineName, resolved.Counter)
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid stage run id %q", s)
	}
	return id, nil
}
