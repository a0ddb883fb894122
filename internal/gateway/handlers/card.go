package handlers

import (
	"podagent/internal/registry"
	"podagent/pkg/api"
)

// CardInfo is the static part of the agent card.
type CardInfo struct {
	ID          string
	Name        string
	Version     string
	Description string
}

// DefaultCard describes this agent.
var DefaultCard = CardInfo{
	ID:          "instag_runpod_agent",
	Name:        "InsTaG RunPod Agent",
	Version:     "0.1.0",
	Description: "Agent for automating InsTaG on RunPod.",
}

// A2APath is the envelope endpoint advertised in the card.
const A2APath = "/api/a2a"

func buildCard(info CardInfo, reg *registry.Registry) api.AgentCard {
	if info.ID == "" {
		info = DefaultCard
	}
	card := api.AgentCard{
		ID:           info.ID,
		Name:         info.Name,
		Version:      info.Version,
		Description:  info.Description,
		Capabilities: []string{},
		Operations:   []api.OperationInfo{},
		Endpoints:    map[string]string{"a2a": A2APath},
	}
	if reg == nil {
		return card
	}
	card.Capabilities = append(card.Capabilities, reg.Capabilities()...)
	for _, d := range reg.Descriptors() {
		required := d.RequiredParams
		if required == nil {
			required = []string{}
		}
		card.Operations = append(card.Operations, api.OperationInfo{
			Name:           d.Name,
			Capability:     d.Capability,
			RequiredParams: required,
			Idempotent:     d.Idempotent,
		})
	}
	return card
}
