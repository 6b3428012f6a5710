package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitConfigDefaults(t *testing.T) {
	InitConfig()

	// Must point at the server's default listen port out of the box.
	assert.Equal(t, "localhost:9876", config.Telemetry.ServerAddress)
	assert.Equal(t, "agent_state.yaml", config.Agent.StateFile)
}
