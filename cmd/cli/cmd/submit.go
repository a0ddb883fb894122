package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"podagent/pkg/api"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [operation]",
		Short: "Submit an operation as a new task",
		Long: `Send a task_request for the given operation.

Parameters are passed as key=value pairs. Values that parse as JSON (numbers,
booleans, objects) are sent as such; anything else is sent as a string.

Example:
  agentctl submit provision_pod --param pod_name=instag-1 --param gpu_count=2
  agentctl submit instag_run_inference --param pod_id=abc123 --param audio_path=data/a.wav --wait`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()
			rawParams, _ := flags.GetStringArray("param")
			taskID, _ := flags.GetString("task-id")
			wait, _ := flags.GetBool("wait")
			interval, _ := flags.GetDuration("poll-interval")
			timeout, _ := flags.GetDuration("timeout")

			params, err := parseParams(rawParams)
			if err != nil {
				cmd.Printf("Error: %v\n", err)
				return
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			client := newClient()
			resp, err := client.Submit(ctx, taskID, args[0], params)
			if err != nil {
				printRequestError(cmd, "Submit", err)
				return
			}

			if wait && resp.Status == api.StatusAccepted {
				cmd.Printf("Task %s accepted, waiting...\n", resp.TaskID)
				final, err := client.WaitTask(ctx, resp.TaskID, interval)
				if err != nil {
					printRequestError(cmd, "Wait", err)
					return
				}
				resp = final
			}
			printTask(cmd, resp)
		},
	}

	cmd.Flags().StringArrayP("param", "p", nil, "Operation parameter as key=value (repeatable)")
	cmd.Flags().String("task-id", "", "Task ID to use (default: assigned by the agent)")
	cmd.Flags().Bool("wait", false, "Poll until the task finishes")
	cmd.Flags().Duration("poll-interval", 2*time.Second, "Interval between status polls when waiting")
	cmd.Flags().Duration("timeout", 0, "Give up after this long (0 waits forever)")
	return cmd
}

// parseParams turns key=value pairs into a params object.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil && decoded != nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}
