package config

import "github.com/couchbaselabs/go-dcp-client/lib/hostport"

// NetworkSelection is the resolved networkResolution setting: one of
// the literal modes or the name of an alternate-address map.
type NetworkSelection string

const (
	// NetworkDefault uses each node's primary addresses.
	NetworkDefault NetworkSelection = "default"
	// NetworkAuto defers the decision to SelectNetwork's seed-host
	// heuristic. It is never itself a resolved selection — Resolve
	// replaces it with NetworkDefault or a named alternate.
	NetworkAuto NetworkSelection = "auto"
)

// SelectNetwork implements the §4.3.1 "auto" heuristic: for each node,
// if its primary hostname matches any seed host, default wins outright.
// Otherwise every node's alternate-address maps are scanned for a
// hostname matching a seed; the first such alternate name found is
// used. If nothing matches anywhere, default is chosen.
//
// The decision is made once, on the first config a Provider receives,
// and applies to every subsequent config for that Provider's lifetime.
func SelectNetwork(cfg BucketConfig, seeds []string) NetworkSelection {
	seedSet := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seedSet[seedHostname(s)] = true
	}

	for _, node := range cfg.Nodes {
		if seedSet[node.Hostname] {
			return NetworkDefault
		}
	}
	for _, node := range cfg.Nodes {
		for name, alt := range node.AlternateAddresses {
			if seedSet[alt.Hostname] {
				return NetworkSelection(name)
			}
		}
	}
	return NetworkDefault
}

// seedHostname strips the port off a "host:port" seed entry so it can be
// compared against a node's bare hostname field. Seeds carried over from
// tests or a caller that passed bare hostnames are used as-is.
func seedHostname(seed string) string {
	hp, err := hostport.Parse(seed)
	if err != nil {
		return seed
	}
	return hp.Host()
}

// Resolve picks the effective network for a config given a configured
// setting. A setting of NetworkAuto defers to SelectNetwork; anything
// else (NetworkDefault or a named alternate) is returned verbatim —
// the caller already decided.
func Resolve(setting NetworkSelection, cfg BucketConfig, seeds []string) NetworkSelection {
	if setting == NetworkAuto {
		return SelectNetwork(cfg, seeds)
	}
	return setting
}

// EffectiveHostname returns the hostname a node should be addressed by
// under the given resolved network. Falls back to the primary hostname
// if the named alternate is absent on this particular node.
func EffectiveHostname(node Node, network NetworkSelection) string {
	if network == NetworkDefault {
		return node.Hostname
	}
	if alt, ok := node.AlternateAddresses[string(network)]; ok {
		return alt.Hostname
	}
	return node.Hostname
}

// EffectiveServices returns the services→port map a node should be
// addressed with under the given resolved network, falling back to
// primary services if the named alternate defines none. When ssl is
// true and the node advertises SslServices, that map is the base
// instead of the plaintext Services — an alternate address's own
// Services map (if any) is still returned as-is for a named network,
// since this client's config model does not track a separate
// SSL-port variant per alternate address.
func EffectiveServices(node Node, network NetworkSelection, ssl bool) map[string]int {
	base := node.Services
	if ssl && len(node.SslServices) > 0 {
		base = node.SslServices
	}
	if network == NetworkDefault {
		return base
	}
	if alt, ok := node.AlternateAddresses[string(network)]; ok && len(alt.Services) > 0 {
		return alt.Services
	}
	return base
}
