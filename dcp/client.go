package dcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/couchbaselabs/go-dcp-client/dcp/conductor"
	"github.com/couchbaselabs/go-dcp-client/dcp/config"
	"github.com/couchbaselabs/go-dcp-client/dcp/dispatch"
	"github.com/couchbaselabs/go-dcp-client/dcp/events"
	"github.com/couchbaselabs/go-dcp-client/dcp/memd"
	"github.com/couchbaselabs/go-dcp-client/dcp/state"
	"github.com/couchbaselabs/go-dcp-client/lib/lifecycle"
)

// errPartitionUnassigned is returned by ObserveSeqno/FailoverLog when
// no config has yet assigned the requested partition to a node.
var errPartitionUnassigned = fmt.Errorf("dcp: partition not yet assigned to a node")

// defaultConfigPort is the bucket-streaming CONFIG service port, used
// by config.Assignment as the port of a partition owner whose services
// map carries no KV port, keeping config.Assignment total over a
// config with an incomplete services map rather than dropping the
// partition.
const defaultConfigPort = "8091"

// Client is the streaming conductor's public entry point (spec §2
// item 6): it owns the shared partition state table, the config
// provider, and one nodeConn — each with its own flow controller,
// dispatcher and conductor — per cluster node currently serving a
// partition this client cares about.
type Client struct {
	opts      Options
	listener  events.Listener
	table     *state.Table
	cfg       *config.Provider
	lifecycle *lifecycle.Machine
	log       *log.Entry

	mu         sync.Mutex
	conns      map[string]*nodeConn
	assignment map[int]string
	offsets    map[int]conductor.StreamOffset
}

// New creates a Client. listener is invoked synchronously on whichever
// node connection's event-loop goroutine produced the event (spec
// §5); a listener that may block must offload to its own executor.
func New(opts Options, listener events.Listener) *Client {
	return &Client{
		opts:      opts,
		listener:  listener,
		table:     state.New(),
		lifecycle: lifecycle.New(),
		log:       log.WithField("component", "dcp.Client"),
		conns:     make(map[string]*nodeConn),
		offsets:   make(map[int]conductor.StreamOffset),
	}
}

// State returns the client's overall lifecycle state.
func (c *Client) State() lifecycle.State { return c.lifecycle.State() }

// Resume records the offset a partition's next stream-open should
// start from. Checkpointing itself is delegated to the application
// (spec §1 Non-goals: no persistent offset storage here) — a listener
// that has durably saved a StreamOffset calls this so a later
// reconnect or reshuffle resumes from it instead of zero.
func (c *Client) Resume(vbucket uint16, offset conductor.StreamOffset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets[int(vbucket)] = offset
}

func (c *Client) resumeOffset(vbucket int) conductor.StreamOffset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsets[vbucket]
}

// Start runs the config provider and, for every topology update it
// publishes, reshuffles whichever partitions moved (spec §2 item 6 —
// "coordinates with the config provider to add/remove node connections
// on topology change"). It blocks until ctx is cancelled or the config
// provider exits with a non-context error; run it in its own
// goroutine.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycle.Transition(lifecycle.Connecting)
	c.cfg = config.New(config.Options{
		SeedHosts:      c.opts.ClusterAt,
		Bucket:         c.opts.Bucket,
		Credentials:    config.Credentials(c.opts.Credentials),
		Network:        config.NetworkSelection(c.opts.NetworkResolution),
		ListRetryDelay: c.opts.ConfigProviderReconnectDelay,
		MaxSweeps:      c.opts.ConfigProviderReconnectMaxAttempts,
	})

	configDone := make(chan error, 1)
	go func() { configDone <- c.cfg.Start(ctx) }()

	c.lifecycle.Transition(lifecycle.Connected)
	defer c.lifecycle.Transition(lifecycle.Disconnected)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-configDone:
			return err
		case cfg := <-c.cfg.Configs():
			c.applyConfig(ctx, cfg)
		}
	}
}

// Stop transitions the client to DISCONNECTING and gracefully tears
// down every node connection (spec §5 cancellation: in-flight request
// futures complete with ConnectionClosed{Graceful:true}).
func (c *Client) Stop() {
	c.lifecycle.Transition(lifecycle.Disconnecting)
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*nodeConn)
	c.mu.Unlock()
	for _, nc := range conns {
		nc.close(true, nil)
	}
}

// applyConfig diffs the newly published assignment against the one in
// effect and reshuffles only the partitions that moved, grouped by
// their new owner so one connection serves all of that node's moved
// partitions at once.
func (c *Client) applyConfig(ctx context.Context, cfg config.BucketConfig) {
	network, ok := c.cfg.ResolvedNetwork()
	if !ok {
		network = config.NetworkDefault
	}
	next := config.Assignment(cfg, network, defaultConfigPort, c.opts.SslEnabled)

	c.mu.Lock()
	moved := config.Diff(c.assignment, next)
	c.assignment = next
	c.mu.Unlock()

	if len(moved) == 0 {
		return
	}
	c.log.WithField("count", len(moved)).Info("topology changed, reshuffling partitions")

	byNode := make(map[string][]int, len(moved))
	for vbucket, addr := range moved {
		byNode[addr] = append(byNode[addr], vbucket)
	}
	for addr, vbuckets := range byNode {
		c.reshuffleOnto(ctx, addr, vbuckets)
	}
}

func (c *Client) reshuffleOnto(ctx context.Context, addr string, vbuckets []int) {
	nc, err := c.ensureConn(ctx, addr)
	if err != nil {
		c.log.WithFields(log.Fields{"addr": addr, "error": err}).Warn("failed to connect to new partition owner")
		return
	}

	assignments := make([]conductor.ReshuffleAssignment, len(vbuckets))
	for i, vbucket := range vbuckets {
		assignments[i] = conductor.ReshuffleAssignment{
			Vbucket: uint16(vbucket),
			Opener:  nc.opener(),
			Offset:  c.resumeOffset(vbucket),
		}
	}
	go func() {
		for _, reshuffleErr := range nc.conductor.Reshuffle(ctx, assignments) {
			if reshuffleErr != nil {
				c.log.WithError(reshuffleErr).Warn("reshuffle stream-open failed")
			}
		}
	}()
}

// ensureConn returns the existing node connection for addr, or dials,
// handshakes and registers a new one. Concurrent callers racing to
// create the same connection converge on whichever won; the loser's
// connection is closed unused.
func (c *Client) ensureConn(ctx context.Context, addr string) (*nodeConn, error) {
	c.mu.Lock()
	if nc, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		return nc, nil
	}
	c.mu.Unlock()

	conn, err := dialNode(ctx, addr, c.opts.SocketConnectTimeout, c.tlsConfig())
	if err != nil {
		return nil, err
	}
	nc := newNodeConn(addr, conn, c.table, c.opts, c.listener)

	go func() {
		if runErr := nc.readLoop(); runErr != nil {
			c.log.WithFields(log.Fields{"addr": addr, "error": runErr}).Debug("connection read loop ended")
		}
		c.mu.Lock()
		if c.conns[addr] == nc {
			delete(c.conns, addr)
		}
		c.mu.Unlock()
		c.handleConnLoss(ctx, addr, nc)
	}()

	if err := c.handshake(ctx, nc); err != nil {
		nc.close(false, err)
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		nc.close(true, nil)
		return existing, nil
	}
	c.conns[addr] = nc
	c.mu.Unlock()
	return nc, nil
}

// handleConnLoss reacts to a node connection dropping unexpectedly:
// every partition still assigned to addr that was streaming is marked
// idle so a stale
// stream-open response can't be mistaken for a live one, then — unless
// the client itself is shutting down — those partitions are reopened
// against a freshly dialed connection to the same address. The
// topology hasn't necessarily changed; only this one connection did.
// A real topology change arrives separately through applyConfig and
// reshuffles onto whatever address now owns the partition instead.
func (c *Client) handleConnLoss(ctx context.Context, addr string, nc *nodeConn) {
	c.mu.Lock()
	var vbuckets []int
	for vbucket, a := range c.assignment {
		if a == addr {
			vbuckets = append(vbuckets, vbucket)
		}
	}
	c.mu.Unlock()

	for _, vbucket := range vbuckets {
		nc.conductor.HandleConnectionLoss(uint16(vbucket))
	}

	if len(vbuckets) == 0 || c.lifecycle.State() == lifecycle.Disconnecting {
		return
	}
	c.reshuffleOnto(ctx, addr, vbuckets)
}

// handshake sends the DCP_OPEN/DCP_CONTROL sequence a fresh connection
// must complete before any stream-open is accepted (SPEC_FULL
// supplement to spec §4.4).
func (c *Client) handshake(ctx context.Context, nc *nodeConn) error {
	opener := nc.opener()
	if err := conductor.Open(ctx, opener, c.opts.ConnectionName, conductor.FlagProducer); err != nil {
		return fmt.Errorf("dcp: DCP_OPEN handshake: %w", err)
	}
	if err := conductor.Negotiate(ctx, opener, c.opts.FlowControlBufferSize, true); err != nil {
		return fmt.Errorf("dcp: DCP_CONTROL negotiation: %w", err)
	}
	return nil
}

func (c *Client) tlsConfig() *tls.Config {
	if !c.opts.SslEnabled {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// connFor returns the node connection currently assigned a partition,
// per the most recent topology update.
func (c *Client) connFor(vbucket uint16) (*nodeConn, error) {
	c.mu.Lock()
	addr, ok := c.assignment[int(vbucket)]
	if !ok {
		c.mu.Unlock()
		return nil, errPartitionUnassigned
	}
	nc, ok := c.conns[addr]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dcp: no open connection to %s for vbucket %d", addr, vbucket)
	}
	return nc, nil
}

// ObserveSeqno sends an OBSERVE_SEQNO request for vbucket (spec §4.2)
// and returns the raw response frame for the caller to inspect.
func (c *Client) ObserveSeqno(ctx context.Context, vbucket uint16, vbuuid uint64) (memd.Frame, error) {
	nc, err := c.connFor(vbucket)
	if err != nil {
		return memd.Frame{}, err
	}
	opaque := dispatch.NextOpaque()
	raw, err := memd.NewRequestBuilder(memd.OpObserveSeqno, vbucket, opaque).
		WithExtras(memd.ObserveSeqnoExtras(vbuuid)).
		Build()
	if err != nil {
		return memd.Frame{}, err
	}
	resp, err := nc.dispatch.SendRequest(ctx, opaque, raw)
	return resp.Frame, err
}

// FailoverLog sends a DCP_FAILOVER_LOG request for vbucket (spec
// §4.2) and updates the partition's uuid table from the response
// before returning the parsed entries. A FAILOVER_LOG response is
// always opaque-correlated to this request, so it completes here
// directly and never reaches the event dispatcher's unsolicited path
// — unlike a stream-open's own success response, which the conductor
// parses the same way inline.
func (c *Client) FailoverLog(ctx context.Context, vbucket uint16) ([]memd.FailoverLogEntry, error) {
	nc, err := c.connFor(vbucket)
	if err != nil {
		return nil, err
	}
	opaque := dispatch.NextOpaque()
	raw, err := memd.NewRequestBuilder(memd.OpFailoverLog, vbucket, opaque).Build()
	if err != nil {
		return nil, err
	}
	resp, err := nc.dispatch.SendRequest(ctx, opaque, raw)
	if err != nil {
		return nil, err
	}
	entries, err := resp.Frame.FailoverLog()
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		c.table.SetUuid(int(vbucket), entries[0].Uuid)
	}
	return entries, nil
}
