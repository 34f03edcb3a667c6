package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectNetworkPrefersDefaultOnPrimaryMatch(t *testing.T) {
	cfg := BucketConfig{
		Nodes: []Node{
			{
				Hostname: "10.0.0.1",
				AlternateAddresses: map[string]AlternateAddress{
					"external": {Hostname: "ext.example.com"},
				},
			},
		},
	}
	assert.Equal(t, NetworkDefault, SelectNetwork(cfg, []string{"10.0.0.1"}))
}

func TestSelectNetworkChoosesAlternateOnSeedMatch(t *testing.T) {
	cfg := BucketConfig{
		Nodes: []Node{
			{
				Hostname: "10.0.0.1",
				AlternateAddresses: map[string]AlternateAddress{
					"external": {Hostname: "ext.example.com"},
				},
			},
		},
	}
	assert.Equal(t, NetworkSelection("external"), SelectNetwork(cfg, []string{"ext.example.com"}))
}

func TestSelectNetworkFallsBackToDefaultWhenNothingMatches(t *testing.T) {
	cfg := BucketConfig{
		Nodes: []Node{{Hostname: "10.0.0.1"}},
	}
	assert.Equal(t, NetworkDefault, SelectNetwork(cfg, []string{"unrelated.example.com"}))
}

func TestResolvePassesThroughNonAutoSettings(t *testing.T) {
	cfg := BucketConfig{Nodes: []Node{{Hostname: "10.0.0.1"}}}
	assert.Equal(t, NetworkDefault, Resolve(NetworkDefault, cfg, nil))
	assert.Equal(t, NetworkSelection("external"), Resolve("external", cfg, nil))
}

func TestEffectiveHostnameFallsBackWhenAlternateAbsent(t *testing.T) {
	node := Node{Hostname: "10.0.0.1"}
	assert.Equal(t, "10.0.0.1", EffectiveHostname(node, "external"))
}

func TestEffectiveHostnameUsesNamedAlternate(t *testing.T) {
	node := Node{
		Hostname: "10.0.0.1",
		AlternateAddresses: map[string]AlternateAddress{
			"external": {Hostname: "ext.example.com"},
		},
	}
	assert.Equal(t, "ext.example.com", EffectiveHostname(node, "external"))
}

func TestEffectiveServicesFallsBackWhenAlternateEmpty(t *testing.T) {
	node := Node{
		Hostname: "10.0.0.1",
		Services: map[string]int{"CONFIG": 8091},
		AlternateAddresses: map[string]AlternateAddress{
			"external": {Hostname: "ext.example.com"},
		},
	}
	assert.Equal(t, node.Services, EffectiveServices(node, "external", false))
}

func TestEffectiveServicesUsesSslServicesWhenEnabled(t *testing.T) {
	node := Node{
		Hostname:    "10.0.0.1",
		Services:    map[string]int{"KV": 11210},
		SslServices: map[string]int{"KV": 11207},
	}
	assert.Equal(t, node.SslServices, EffectiveServices(node, NetworkDefault, true))
	assert.Equal(t, node.Services, EffectiveServices(node, NetworkDefault, false))
}

func TestEffectiveServicesFallsBackToPlaintextWhenSslServicesAbsent(t *testing.T) {
	node := Node{
		Hostname: "10.0.0.1",
		Services: map[string]int{"KV": 11210},
	}
	assert.Equal(t, node.Services, EffectiveServices(node, NetworkDefault, true))
}
