package client

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dataflow/coord/scheduler/config"
)

type showConfigCmd struct{}

func (c *showConfigCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "show_config",
		Short: "print the resolved configuration",
	}
}

func (c *showConfigCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	configs, err := config.GetSchedulerConfigs(cl.configName)
	if err != nil {
		return err
	}
	schedConfig, err := configs.Scheduler.CreateSchedulerConfig()
	if err != nil {
		return err
	}
	fmt.Fprintln(cl.out, configs.Cluster)
	fmt.Fprintf(cl.out, "SchedulerConfiguration: DefaultSlotRequestTimeout: %s, Hostname: %s\n",
		schedConfig.DefaultSlotRequestTimeout, schedConfig.Hostname)
	return nil
}
