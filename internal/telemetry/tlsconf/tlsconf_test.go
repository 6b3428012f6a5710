package tlsconf

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientAuthType(t *testing.T) {
	for input, want := range map[string]tls.ClientAuthType{
		"":        tls.NoClientCert,
		"none":    tls.NoClientCert,
		"request": tls.RequestClientCert,
		"require": tls.RequireAndVerifyClientCert,
	} {
		got, err := ParseClientAuthType(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, got, "input %q", input)
	}

	_, err := ParseClientAuthType("mutual")
	assert.ErrorContains(t, err, "invalid client auth type")
}

func TestLoadClientConfigWithoutCA(t *testing.T) {
	config, err := LoadClientConfig("", "telemetry.internal")
	require.NoError(t, err)
	assert.Nil(t, config.RootCAs)
	assert.Equal(t, "telemetry.internal", config.ServerName)
}

func TestLoadClientConfigMissingCAFile(t *testing.T) {
	_, err := LoadClientConfig("/nonexistent/ca.pem", "")
	assert.ErrorContains(t, err, "failed to read CA certificate")
}

func TestLoadServerConfigMissingCert(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", "", tls.NoClientCert)
	assert.ErrorContains(t, err, "failed to load server certificate")
}
