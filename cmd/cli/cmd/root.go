package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

const rootLong = `agentctl is the command-line interface for the InsTaG RunPod agent.

The agent accepts envelopes on /api/a2a, runs each operation as an asynchronous
task against a remote GPU pod and reports the task's progress until the caller
acknowledges it.

Common workflows:

  Show what the agent can do:
    agentctl discover

  Provision a pod and wait for it:
    agentctl submit provision_pod --param pod_name=instag-1 --wait

  Run training on a pod:
    agentctl submit instag_run_training --param pod_id=abc123 --param dataset_name=obama

  Check, cancel or acknowledge a task:
    agentctl status <task-id>
    agentctl cancel <task-id>
    agentctl ack <task-id>

Configuration:
  Set the agent endpoint and credentials via flags, environment variables or a config file:
    PODAGENT_URL      Agent endpoint (default: http://localhost:5002)
    PODAGENT_TOKEN    Bearer token, when the agent requires one`

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentctl",
		Short: "agentctl is a command line tool for the InsTaG RunPod agent",
		Long:  rootLong,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.agentctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:5002", "Agent URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Bearer token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.AddCommand(
		newDiscoverCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newAckCmd(),
	)
	return rootCmd
}

func Execute() error {
	return NewRootCmd().Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".agentctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".agentctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "PODAGENT_VARNAME"
	viper.SetEnvPrefix("PODAGENT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *AgentClient {
	return NewAgentClient(viper.GetString("url"), viper.GetString("token"))
}

func init() {
	cobra.OnInitialize(initConfig)
}
