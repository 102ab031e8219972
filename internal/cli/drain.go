package cli

import (
	"fmt"
	"io"
	"time"

	"git.yunify.com/quanxiang/scheduler/apis"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDrainCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:       "drain [on|off]",
		Short:     "Show or change drain mode",
		Long:      `Without an argument the current drain mode is shown. Changing it needs an administrator.`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				dm  *v1alpha1.DrainMode
				err error
			)
			if len(args) == 0 {
				dm, err = o.client().GetDrainMode(cmd.Context(), &apis.GetDrainMode{})
			} else {
				dm, err = o.client().SetDrainMode(cmd.Context(), &apis.SetDrainMode{
					Drained:  args[0] == "on",
					Identity: v1alpha1.Identity{Name: o.user},
				})
			}
			if err != nil {
				return err
			}
			printDrainMode(cmd.OutOrStdout(), dm)
			return nil
		},
	}
}

func printDrainMode(w io.Writer, dm *v1alpha1.DrainMode) {
	state := color.New(color.FgGreen).Sprint("serving")
	if dm.Drained {
		state = color.New(color.FgRed).Sprint("drained")
	}
	fmt.Fprintf(w, "Drain mode: %s", state)
	if dm.UpdatedBy != "" {
		fmt.Fprintf(w, " (set by %s at %s)", dm.UpdatedBy, time.Unix(dm.UpdatedOn, 0).UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(w)
}
