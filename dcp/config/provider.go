package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/couchbaselabs/go-dcp-client/dcp/dcperr"
	"github.com/couchbaselabs/go-dcp-client/lib/lifecycle"
)

// separator delimits one complete streamed JSON config document from
// the next.
const separator = "\n\n\n\n"

// seedCooldown is how long a seed host that just failed is skipped
// before being retried, tracked in the go-cache TTL store below.
const seedCooldown = 30 * time.Second

// Credentials authenticate the streaming-config GET with HTTP Basic
// auth (spec §6 External Interfaces). A zero-value Credentials leaves
// the request unauthenticated, for clusters that don't require it.
type Credentials struct {
	Username string
	Password string
}

// Options configures a Provider.
type Options struct {
	// SeedHosts are "host:port" cluster addresses to try in order.
	SeedHosts []string
	// Bucket is the name of the bucket whose streaming-config endpoint
	// is requested.
	Bucket string
	// Credentials are sent as HTTP Basic auth on every streaming GET.
	Credentials Credentials
	// Network is the configured networkResolution setting. NetworkAuto
	// defers to the §4.3.1 heuristic on the first config received.
	Network NetworkSelection
	// ListRetryDelay is the bounded delay between exhausting the seed
	// list once and retrying it from the start.
	ListRetryDelay time.Duration
	// MaxSweeps caps the number of consecutive fully-failed sweeps of
	// the seed host list before Start gives up and returns an error.
	// Zero means unlimited — the per-host cooldown is the only bound.
	// A sweep that connects to at least one host resets the counter, so
	// this bounds a sustained cluster-wide outage, not a single flaky
	// seed.
	MaxSweeps int
	// HTTPClient is used for the streaming GET. If nil, a client with a
	// remote-address-capturing transport is constructed.
	HTTPClient *http.Client
}

// Provider maintains one HTTP streaming connection to a cluster node
// at a time, parses chunked configs, and publishes strictly-increasing
// revisions on Configs().
type Provider struct {
	opts Options

	lifecycle *lifecycle.Machine
	cooldown  *cache.Cache
	log       *log.Entry

	mu            sync.Mutex
	haveRev       bool
	currentRev    int64
	networkChosen bool
	resolvedNet   NetworkSelection

	configs chan BucketConfig
}

// New creates a Provider. Call Start to begin streaming.
func New(opts Options) *Provider {
	if opts.ListRetryDelay == 0 {
		opts.ListRetryDelay = 5 * time.Second
	}
	if opts.Network == "" {
		opts.Network = NetworkDefault
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = newRemoteCapturingClient()
	}
	return &Provider{
		opts:      opts,
		lifecycle: lifecycle.New(),
		cooldown:  cache.New(seedCooldown, seedCooldown),
		log:       log.WithField("component", "config.Provider"),
		configs:   make(chan BucketConfig, 8),
	}
}

// Configs returns the channel configs are published on. Replays of an
// already-seen-or-older revision are never sent.
func (p *Provider) Configs() <-chan BucketConfig { return p.configs }

// State returns the provider's current lifecycle state.
func (p *Provider) State() lifecycle.State { return p.lifecycle.State() }

// remoteIPKey is the context key a capturing Transport stashes the
// dialed remote IP under, so Start can read it back after connecting.
type remoteIPKey struct{}

func newRemoteCapturingClient() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if holder, ok := ctx.Value(remoteIPKey{}).(*string); ok {
				host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
				if splitErr == nil {
					*holder = host
				}
			}
			return conn, nil
		},
	}
	return &http.Client{Transport: transport}
}

// Start iterates the seed-host list, streaming the bucket's config
// endpoint from whichever host answers first, and re-iterates
// (bounded by ListRetryDelay) on exhaustion. It runs until ctx is
// cancelled or a non-retryable error forces it to stop.
func (p *Provider) Start(ctx context.Context) error {
	p.lifecycle.Transition(lifecycle.Connecting)
	defer p.lifecycle.Transition(lifecycle.Disconnected)

	failedSweeps := 0
	for {
		connected := false
		for _, host := range p.opts.SeedHosts {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, onCooldown := p.cooldown.Get(host); onCooldown {
				continue
			}
			if err := p.streamFrom(ctx, host); err != nil {
				p.log.WithFields(log.Fields{"host": host, "error": err}).Warn("config stream failed, trying next seed host")
				p.cooldown.SetDefault(host, struct{}{})
				continue
			}
			connected = true
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !connected {
			failedSweeps++
			p.log.WithField("failedSweeps", failedSweeps).Warn("exhausted seed host list without a successful connection, retrying")
			if p.opts.MaxSweeps > 0 && failedSweeps >= p.opts.MaxSweeps {
				return fmt.Errorf("config: %d consecutive sweeps of %d seed host(s) failed", failedSweeps, len(p.opts.SeedHosts))
			}
		} else {
			failedSweeps = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.ListRetryDelay):
		}
	}
}

// streamFrom opens the streaming-config endpoint on host and consumes
// chunks from it until the connection ends or ctx is cancelled.
func (p *Provider) streamFrom(ctx context.Context, host string) error {
	var remoteIP string
	reqCtx := context.WithValue(ctx, remoteIPKey{}, &remoteIP)

	url := fmt.Sprintf("http://%s/pools/default/bs/%s", host, p.opts.Bucket)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("config: build request: %w", err)
	}
	req.Header.Set("X-Request-Id", uuid.New().String())
	if p.opts.Credentials.Username != "" {
		req.SetBasicAuth(p.opts.Credentials.Username, p.opts.Credentials.Password)
	}

	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("config: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("config: GET %s: unexpected status %d", url, resp.StatusCode)
	}

	p.lifecycle.Transition(lifecycle.Connected)
	defer p.lifecycle.Transition(lifecycle.Disconnecting)

	var scratch bytes.Buffer
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			scratch.Write(buf[:n])
			p.drainScratch(&scratch, remoteIP)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("config: read stream: %w", readErr)
		}
	}
}

// drainScratch extracts every complete "sep"-delimited document
// currently in scratch, applies $HOST substitution and rev gating, and
// leaves any trailing partial document in place for the next read.
func (p *Provider) drainScratch(scratch *bytes.Buffer, remoteIP string) {
	for {
		b := scratch.Bytes()
		idx := bytes.Index(b, []byte(separator))
		if idx < 0 {
			return
		}
		doc := make([]byte, idx)
		copy(doc, b[:idx])
		rest := make([]byte, len(b)-idx-len(separator))
		copy(rest, b[idx+len(separator):])
		scratch.Reset()
		scratch.Write(rest)

		p.handleDocument(doc, remoteIP)
	}
}

func (p *Provider) handleDocument(doc []byte, remoteIP string) {
	text := strings.ReplaceAll(string(doc), "$HOST", remoteIP)

	var cfg BucketConfig
	if err := json.Unmarshal([]byte(text), &cfg); err != nil {
		p.log.WithError(&dcperr.ConfigParseError{Cause: err}).Warn("discarding unparseable config chunk")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.haveRev && cfg.Rev <= p.currentRev {
		return
	}
	if !p.networkChosen {
		p.resolvedNet = Resolve(p.opts.Network, cfg, p.opts.SeedHosts)
		p.networkChosen = true
	}
	p.haveRev = true
	p.currentRev = cfg.Rev

	select {
	case p.configs <- cfg:
	default:
		p.log.Warn("config channel full, dropping oldest pending config")
		select {
		case <-p.configs:
		default:
		}
		p.configs <- cfg
	}
}

// ResolvedNetwork returns the network selection chosen on the first
// received config, or the zero value if none has arrived yet.
func (p *Provider) ResolvedNetwork() (NetworkSelection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolvedNet, p.networkChosen
}
