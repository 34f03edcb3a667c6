package config

import (
	"strconv"

	"github.com/couchbaselabs/go-dcp-client/lib/hostport"
)

// Assignment maps every partition this config has an entry for to the
// "host:port" address that currently owns it, under the given
// resolved network (SPEC_FULL supplement, companion to
// NodeForVBucket): the conductor reshuffles against this, not the raw
// config, so it never has to repeat the alternate-network lookup
// itself. Addresses are formatted through lib/hostport so an IPv6 node
// address comes out correctly bracket-wrapped rather than naively
// concatenated.
func Assignment(cfg BucketConfig, network NetworkSelection, configPort string, sslEnabled bool) map[int]string {
	fallbackPort, _ := strconv.Atoi(configPort)
	out := make(map[int]string, len(cfg.VBuckets.VBucketMap))
	for vb := range cfg.VBuckets.VBucketMap {
		idx, ok := cfg.NodeForVBucket(vb)
		if !ok {
			continue
		}
		node := cfg.Nodes[idx]
		host := EffectiveHostname(node, network)
		port := fallbackPort
		if services := EffectiveServices(node, network, sslEnabled); services != nil {
			if p, ok := services["KV"]; ok {
				port = p
			}
		}
		out[vb] = hostport.New(host, port).Format()
	}
	return out
}

// Diff compares two partition->address assignments and reports which
// partitions moved: present in next with a different address than in
// prev (or absent from prev entirely).
func Diff(prev, next map[int]string) map[int]string {
	moved := make(map[int]string)
	for vb, addr := range next {
		if prevAddr, ok := prev[vb]; !ok || prevAddr != addr {
			moved[vb] = addr
		}
	}
	return moved
}
