package cmd

import (
	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [task_id]",
		Short: "Cancel a pending or running task",
		Long: `Send a task_cancel_request. The agent stops the remote command and reports the
task's final state. Cancelling a finished task returns its existing outcome.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := newClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				printRequestError(cmd, "Cancel", err)
				return
			}
			printTask(cmd, resp)
		},
	}
}

func newAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack [task_id]",
		Short: "Acknowledge a finished task",
		Long:  `Send a task_ack_request so the agent can forget a task whose outcome has been consumed.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := newClient().Ack(cmd.Context(), args[0])
			if err != nil {
				printRequestError(cmd, "Ack", err)
				return
			}
			printTask(cmd, resp)
		},
	}
}
