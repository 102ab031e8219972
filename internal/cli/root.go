package cli

import (
	"fmt"
	"os"
	"strings"

	"git.yunify.com/quanxiang/scheduler/pkg/client/clientset/versioned"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/logger"
	"github.com/spf13/cobra"
)

// ClientFunc builds the scheduler client for the given instances.
type ClientFunc func(instances []string) versioned.Client

type options struct {
	servers []string
	user    string

	newClient ClientFunc
}

func (o *options) client() versioned.Client {
	return o.newClient(o.servers)
}

// NewRootCmd returns the schedulerctl command tree.
func NewRootCmd(newClient ClientFunc) *cobra.Command {
	o := &options{newClient: newClient}

	root := &cobra.Command{
		Use:   "schedulerctl",
		Short: "Operate the stage scheduler",
		Long: `schedulerctl talks to one or more scheduler instances.

Stage runs can be rerun, cancelled and inspected; pipelines can be
scheduled and the server can be put into drain mode.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	servers := os.Getenv("SCHEDULER_SERVERS")
	if servers == "" {
		servers = "localhost:8080"
	}
	root.PersistentFlags().StringSliceVarP(&o.servers, "server", "s", strings.Split(servers, ","), "scheduler instances")
	root.PersistentFlags().StringVarP(&o.user, "user", "u", os.Getenv("USER"), "name sent as the operating user")

	root.AddCommand(
		newRerunCmd(o),
		newCancelCmd(o),
		newScheduleCmd(o),
		newReportCmd(o),
		newGetCmd(o),
		newHistoryCmd(o),
		newCounterCmd(o),
		newDrainCmd(o),
	)
	return root
}

func Execute() {
	root := NewRootCmd(func(instances []string) versioned.Client {
		return versioned.New(instances, logger.NewLogger("error"))
	})
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
