// Package config implements the HTTP-streamed cluster configuration
// provider of spec §4.3 and its alternate-network address selection
// (§4.3.1).
package config

// AlternateAddress is one named second address view of a node — e.g.
// the "external" network a client outside the cluster's private
// network should use instead of the node's primary hostname.
type AlternateAddress struct {
	Hostname string         `json:"hostname"`
	Services map[string]int `json:"ports"`
}

// Node is one cluster member as described by a streamed config
// document.
type Node struct {
	Hostname           string                      `json:"hostname"`
	Services           map[string]int              `json:"services"`
	SslServices        map[string]int              `json:"sslServices,omitempty"`
	AlternateAddresses map[string]AlternateAddress `json:"alternateAddresses,omitempty"`
}

// VBucketServerMap is the partition-to-node assignment a streamed
// config carries alongside its node list (SPEC_FULL supplement:
// spec.md's data model stops at the node list itself, but the
// conductor cannot route a partition's stream anywhere without
// knowing which node currently owns it). VBucketMap[p][0] is the
// index into BucketConfig.Nodes that owns partition p; further
// entries are replicas and are not used by this client.
type VBucketServerMap struct {
	VBucketMap [][]int `json:"vBucketMap"`
}

// BucketConfig is the parsed server topology: a node list plus a
// monotonically increasing revision. Only strictly greater revisions
// are ever applied by a Provider.
type BucketConfig struct {
	Rev      int64            `json:"rev"`
	Nodes    []Node           `json:"nodes"`
	VBuckets VBucketServerMap `json:"vBucketServerMap"`
}

// NodeForVBucket returns the index into Nodes that owns partition vb,
// and false if the map has no entry for it (an empty or short map, or
// an active-replica index of -1 meaning the partition is unassigned).
func (c BucketConfig) NodeForVBucket(vb int) (int, bool) {
	if vb < 0 || vb >= len(c.VBuckets.VBucketMap) {
		return 0, false
	}
	row := c.VBuckets.VBucketMap[vb]
	if len(row) == 0 || row[0] < 0 || row[0] >= len(c.Nodes) {
		return 0, false
	}
	return row[0], true
}
