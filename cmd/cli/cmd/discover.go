package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Show the agent card",
		Long:  `Send an agent_discovery_request and print the agent's identity, capabilities and operations.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			resp, err := newClient().Discover(cmd.Context())
			if err != nil {
				printRequestError(cmd, "Discovery", err)
				return
			}

			card := resp.AgentCard
			cmd.Printf("%s%s%s %s(%s, v%s)%s\n", colorBold, card.Name, colorReset, colorDim, card.ID, card.Version, colorReset)
			cmd.Println(card.Description)
			cmd.Println("──────────────────────────────")
			for _, op := range card.Operations {
				required := "-"
				if len(op.RequiredParams) > 0 {
					required = strings.Join(op.RequiredParams, ", ")
				}
				marker := ""
				if op.Idempotent {
					marker = colorDim + " (idempotent)" + colorReset
				}
				cmd.Printf("%s%-26s%s requires: %s%s\n", colorCyan, op.Name, colorReset, required, marker)
			}
		},
	}
}
