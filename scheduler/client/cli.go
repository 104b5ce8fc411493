// Package client is the command line front end of an in-process coordinator.
package client

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dataflow/coord/cloud/cluster"
	"github.com/dataflow/coord/common/stats"
	"github.com/dataflow/coord/scheduler/config"
	"github.com/dataflow/coord/scheduler/server"
)

// CLIClient runs a coordinator against a configured memory cluster and submits
// jobs to it from the command line.
type CLIClient interface {
	Exec() error
}

type simpleCLIClient struct {
	rootCmd *cobra.Command

	configName string
	logLevel   string
	out        io.Writer

	coordinator *server.Coordinator
	fetcher     *cluster.StaticFetcher
	stopCluster func()
	stat        stats.StatsReceiver
}

func (c *simpleCLIClient) Exec() error {
	err := c.rootCmd.Execute()
	// PersistentPostRunE is skipped when a command fails.
	c.Close(nil, nil)
	return err
}

func NewSimpleCLIClient(out io.Writer) CLIClient {
	return newSimpleCLIClient(out)
}

func newSimpleCLIClient(out io.Writer) *simpleCLIClient {
	if out == nil {
		out = os.Stdout
	}
	c := &simpleCLIClient{out: out}

	c.rootCmd = &cobra.Command{
		Use:                "coordinator",
		Short:              "coordinator places dataflow jobs on worker slots",
		SilenceUsage:       true,
		Run:                func(*cobra.Command, []string) {},
		PersistentPreRunE:  c.setLogLevel,
		PersistentPostRunE: c.Close,
	}
	c.rootCmd.PersistentFlags().StringVar(&c.configName, "config", "local.memory",
		"config name, path to a JSON config file or inline JSON")
	c.rootCmd.PersistentFlags().StringVar(&c.logLevel, "log_level", "",
		"Log everything at this level and above (error|info|debug)")

	c.addCmd(&runJobCmd{})
	c.addCmd(&smokeTestCmd{})
	c.addCmd(&showConfigCmd{})

	return c
}

func (c *simpleCLIClient) setLogLevel(*cobra.Command, []string) error {
	if c.logLevel == "" {
		return nil
	}
	level, err := log.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

// Starts the configured cluster and coordinator on first use.
func (c *simpleCLIClient) start() (*server.Coordinator, error) {
	if c.coordinator != nil {
		return c.coordinator, nil
	}
	configs, err := config.GetSchedulerConfigs(c.configName)
	if err != nil {
		return nil, err
	}
	log.Infof("Coordinator configuration: %s", configs)

	schedConfig, err := configs.Scheduler.CreateSchedulerConfig()
	if err != nil {
		return nil, fmt.Errorf("Error creating scheduler config: %v", err)
	}
	updatesCh, stop, fetcher, err := configs.Cluster.Create()
	if err != nil {
		return nil, fmt.Errorf("Error creating cluster: %v", err)
	}

	c.stat = stats.NewCustomStatsReceiver(stats.NewFinagleStatsRegistry)
	c.coordinator = server.NewCoordinator(updatesCh, *schedConfig, c.stat)
	c.fetcher = fetcher
	c.stopCluster = stop
	return c.coordinator, nil
}

// Needs cobra parameters for use from rootCmd
func (c *simpleCLIClient) Close(cmd *cobra.Command, args []string) error {
	if c.coordinator != nil {
		c.stopCluster()
		c.coordinator.Close()
		c.coordinator = nil
	}
	return nil
}

func (c *simpleCLIClient) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error
}
