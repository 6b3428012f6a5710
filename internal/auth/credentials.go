// Package auth holds the agent credential strategy for the telemetry
// protocol and the bearer tokens used by the admin HTTP API.
package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier decides whether an agent's AUTH metadata is accepted.
// The protocol itself does not mandate a scheme; deployments inject the
// strategy they need.
type CredentialVerifier interface {
	Verify(agentID string, metadata map[string]any, authKey string) bool
}

// AllowAll accepts every agent. It is the default for lab deployments
// where transport-level controls are enough.
type AllowAll struct{}

func (AllowAll) Verify(string, map[string]any, string) bool { return true }

// SharedKey accepts agents presenting the shared key whose bcrypt hash the
// server was configured with.
type SharedKey struct {
	hash string
}

func NewSharedKey(hash string) *SharedKey {
	return &SharedKey{hash: hash}
}

func (s *SharedKey) Verify(_ string, _ map[string]any, authKey string) bool {
	if authKey == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.hash), []byte(authKey)) == nil
}

// HashKey generates a bcrypt hash for a shared agent key, for use in
// server configuration.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}
