package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"podagent/pkg/api"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [task_id]",
		Short: "Get status of a task",
		Long:  `Retrieve the current state of a task (pending, running, succeeded, failed) along with its result or error.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := newClient().Status(cmd.Context(), args[0])
			if err != nil {
				printRequestError(cmd, "Status", err)
				return
			}
			printTask(cmd, resp)
		},
	}
}

func printTask(cmd *cobra.Command, resp *api.TaskResponse) {
	cmd.Printf("%s %sTask Details%s\n", statusIcon(resp.Status), colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, resp.TaskID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(resp.Status))
	if resp.State != "" {
		cmd.Printf("%sState:%s       %s\n", colorDim, colorReset, resp.State)
	}

	if resp.Error != "" {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, resp.Error, colorReset)
	}
	if resp.Code != "" {
		cmd.Printf("%sCode:%s        %s\n", colorDim, colorReset, resp.Code)
	}

	if len(resp.Result) > 0 {
		cmd.Printf("%sResult:%s\n", colorDim, colorReset)
		keys := make([]string, 0, len(resp.Result))
		for k := range resp.Result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Printf("  %s: %s\n", k, formatValue(resp.Result[k]))
		}
	}
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return "-"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func printRequestError(cmd *cobra.Command, action string, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case api.StatusCompleted:
		return colorGreen + "✓" + colorReset
	case api.StatusError:
		return colorRed + "✗" + colorReset
	case api.StatusAccepted:
		return colorYellow + "⏳" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case api.StatusCompleted:
		return icon + " " + colorGreen + status + colorReset
	case api.StatusError:
		return icon + " " + colorRed + status + colorReset
	case api.StatusAccepted:
		return icon + " " + colorYellow + status + colorReset
	default:
		return status
	}
}
