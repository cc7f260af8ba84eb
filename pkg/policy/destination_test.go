package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractDestination_URLKey(t *testing.T) {
	dest, ok := extractDestination(json.RawMessage(`{"url":"https://example.com/hook"}`))
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/hook", dest)
}

func TestExtractDestination_EndpointKey(t *testing.T) {
	dest, ok := extractDestination(json.RawMessage(`{"endpoint":"https://example.com/hook"}`))
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/hook", dest)
}

func TestExtractDestination_Absent(t *testing.T) {
	_, ok := extractDestination(json.RawMessage(`{"foo":"bar"}`))
	assert.False(t, ok)
}

func TestDestinationAllowed_SchemeLessAllowlistEntryMatchesAnyScheme(t *testing.T) {
	allowed := destinationAllowed("https://example.com/hook", []string{"example.com"})
	assert.True(t, allowed, "a scheme-less allowlist entry must match both http and https destinations")
}

func TestDestinationAllowed_PortMismatch(t *testing.T) {
	allowed := destinationAllowed("https://example.com:8443/hook", []string{"example.com:443"})
	assert.False(t, allowed)
}

func TestDestinationAllowed_PortlessEntryMatchesAnyPort(t *testing.T) {
	allowed := destinationAllowed("https://example.com:8443/hook", []string{"example.com"})
	assert.True(t, allowed)
}

func TestDestinationAllowed_HostMismatch(t *testing.T) {
	allowed := destinationAllowed("https://evil.example.com/hook", []string{"example.com"})
	assert.False(t, allowed)
}

func TestDestinationAllowed_FullURLEntry(t *testing.T) {
	allowed := destinationAllowed("https://example.com/hook", []string{"https://example.com"})
	assert.True(t, allowed)
}

func TestDestinationAllowed_FullURLEntrySchemeMismatch(t *testing.T) {
	allowed := destinationAllowed("http://example.com/hook", []string{"https://example.com"})
	assert.False(t, allowed)
}
