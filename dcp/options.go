// Package dcp is the public façade of the streaming conductor: it
// wires the wire codec, dispatcher, flow controller, config provider,
// conductor and event dispatcher packages into a single Client,
// matching the teacher's top-level fs.NewFs/fs.Fs construction
// pattern of assembling small composable packages behind one
// entry point.
package dcp

import (
	"time"

	"github.com/couchbaselabs/go-dcp-client/dcp/config"
	"github.com/couchbaselabs/go-dcp-client/lib/configstruct"
)

// Credentials are the opaque username/password supplied to the client
// (spec §1: credential storage itself is an external collaborator, out
// of scope — the client only ever holds these two strings in memory).
// They are sent as HTTP Basic auth on the config stream; DCP
// connections are opened without SASL authentication, so they are not
// sent there.
type Credentials struct {
	Username string
	Password string
}

// Options is the client configuration surface of spec §6, decoded the
// way the teacher's backends decode theirs: a tagged struct plus
// configstruct.Set against a string-keyed Getter, so the same surface
// can be populated from a flat map (a CLI, a config file, a test) with
// no bespoke parsing per field.
type Options struct {
	// ClusterAt is the seed host list ("host:port" cluster addresses).
	ClusterAt []string `config:"-"`
	// Credentials authenticate the HTTP config stream (Basic auth); they
	// are not sent on DCP connections.
	Credentials Credentials `config:"-"`
	// Bucket names the bucket whose DCP streams and config endpoint are
	// requested.
	Bucket string `config:"bucket"`
	// ConnectionName identifies this client to the server in the
	// DCP_OPEN handshake.
	ConnectionName string `config:"connection_name"`

	// SslEnabled selects ssl_services ports and a TLS transport in
	// place of the plaintext default.
	SslEnabled bool `config:"ssl_enabled"`
	// NetworkResolution is "default", "auto", or a named alternate
	// network (spec §4.3.1).
	NetworkResolution string `config:"network_resolution"`
	// PoolBuffers enables the pooled frame-buffer allocator
	// (internal/bufpool) instead of a fresh allocation per frame.
	PoolBuffers bool `config:"pool_buffers"`

	// SocketConnectTimeout bounds a single TCP connect attempt.
	SocketConnectTimeout time.Duration `config:"socket_connect_timeout"`
	// ConfigProviderReconnectDelay is the delay between config-provider
	// retry sweeps of the seed host list.
	ConfigProviderReconnectDelay time.Duration `config:"config_provider_reconnect_delay"`
	// ConfigProviderReconnectMaxAttempts caps the consecutive sweeps of
	// the seed host list in which no host connects, after which the
	// config provider gives up (forwarded as dcp/config Options.MaxSweeps).
	ConfigProviderReconnectMaxAttempts int `config:"config_provider_reconnect_max_attempts"`
	// StreamReconnectMaxAttempts caps a single partition stream-open's
	// retries (SPEC_FULL supplement, §4.4's maxAttempts decided at 10).
	StreamReconnectMaxAttempts int `config:"stream_reconnect_max_attempts"`
	// StreamReconnectDelay is the fixed delay between stream-open
	// retries.
	StreamReconnectDelay time.Duration `config:"stream_reconnect_delay"`

	// FlowControlBufferSize is B, the per-connection byte buffer.
	FlowControlBufferSize uint32 `config:"flow_control_buffer_size"`
	// FlowControlAckThreshold is T, the fraction of B that triggers an
	// ack burst.
	FlowControlAckThreshold float64 `config:"flow_control_ack_threshold"`
}

// DefaultOptions returns an Options with every field at its documented
// default, ready to have ClusterAt/Credentials/Bucket filled in.
func DefaultOptions() Options {
	return Options{
		ConnectionName:                     "go-dcp-client",
		NetworkResolution:                  string(config.NetworkDefault),
		SocketConnectTimeout:               10 * time.Second,
		ConfigProviderReconnectDelay:       5 * time.Second,
		ConfigProviderReconnectMaxAttempts: 10,
		StreamReconnectMaxAttempts:         10,
		StreamReconnectDelay:               500 * time.Millisecond,
		FlowControlBufferSize:              20 * 1024 * 1024,
		FlowControlAckThreshold:            0.5,
	}
}

// Getter looks up a raw configuration value by its config name,
// matching lib/configstruct.Getter. A plain map[string]string
// satisfies it via MapGetter.
type Getter = configstruct.Getter

// MapGetter adapts a flat map[string]string to Getter, the same shape
// the teacher's configmap.Simple gives fs/config/configstruct callers.
type MapGetter map[string]string

// Get implements Getter.
func (m MapGetter) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Decode overlays raw onto a copy of DefaultOptions, decoding every
// config-tagged field present in raw. ClusterAt and Credentials are
// not decodable through this path (they are not simple scalars suited
// to configstruct's reflection) and must be set by the caller.
func Decode(raw Getter) (Options, error) {
	opts := DefaultOptions()
	if err := configstruct.Set(raw, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}
