package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/EternisAI/silo-telemetry/internal/collector"
)

type agentState struct {
	AgentID string `yaml:"agent_id"`
}

// resolveAgentID returns the configured agent ID, or loads the one saved on
// a previous run, or derives a new one from host identity and persists it
// so the server sees a stable identity across restarts.
func resolveAgentID(configured, stateFile string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if data, err := os.ReadFile(stateFile); err == nil {
		var state agentState
		if err := yaml.Unmarshal(data, &state); err == nil && state.AgentID != "" {
			return state.AgentID, nil
		}
	}

	agentID := collector.DeriveAgentID()

	data, err := yaml.Marshal(agentState{AgentID: agentID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal agent state: %w", err)
	}
	if err := os.WriteFile(stateFile, data, 0600); err != nil {
		return "", fmt.Errorf("failed to persist agent state: %w", err)
	}

	return agentID, nil
}
