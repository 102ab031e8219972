package cli

import (
	"fmt"
	"io"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"github.com/fatih/color"
)

var stateColors = map[v1alpha1.StageState]*color.Color{
	v1alpha1.StageScheduled: color.New(color.FgYellow),
	v1alpha1.StageBuilding:  color.New(color.FgBlue),
	v1alpha1.StagePassed:    color.New(color.FgGreen),
	v1alpha1.StageFailed:    color.New(color.FgRed),
	v1alpha1.StageCancelled: color.New(color.FgHiBlack),
}

func stateString(state v1alpha1.StageState) string {
	c, ok := stateColors[state]
	if !ok {
		c = color.New(color.FgWhite)
	}
	return c.Sprintf("%-9s", state)
}

func printStageRun(w io.Writer, sr *v1alpha1.StageRun) {
	dim := color.New(color.FgHiBlack)
	fmt.Fprintf(w, "%-6d %s %s #%d", sr.ID, stateString(sr.State), sr.Identifier(), sr.Counter)
	if sr.TriggeredBy != "" {
		fmt.Fprintf(w, " %s", dim.Sprintf("by %s", sr.TriggeredBy))
	}
	if sr.CancelledBy != "" {
		fmt.Fprintf(w, " %s", dim.Sprintf("cancelled by %s", sr.CancelledBy))
	}
	fmt.Fprintln(w)
}

func printCancelResult(w io.Writer, result *v1alpha1.CancelResult) {
	if len(result.Cancelled) == 0 && len(result.Failed) == 0 {
		fmt.Fprintln(w, "Nothing to cancel.")
		return
	}
	ok := color.New(color.FgGreen)
	for _, o := range result.Cancelled {
		fmt.Fprintf(w, "%s %d %s #%d\n", ok.Sprint("cancelled"), o.StageRunID, o.Stage, o.Counter)
	}
	failed := color.New(color.FgRed)
	for _, o := range result.Failed {
		fmt.Fprintf(w, "%s %d %s #%d: %s\n", failed.Sprint("failed   "), o.StageRunID, o.Stage, o.Counter, o.Message)
	}
}
