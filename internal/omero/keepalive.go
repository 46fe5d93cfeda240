package omero

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/omero-tools/omerows/internal/logging"
)

// DefaultKeepAliveInterval is the default delay between session heartbeats,
// and also the delay before the first one.
const DefaultKeepAliveInterval = 60 * time.Second

// keepAlivePath is the webclient heartbeat endpoint.
const keepAlivePath = "/webclient/keepalive_ping/"

// keepAliveRunner pings the server at a fixed interval to prevent session
// expiry. It cancels itself, and flips the owning client to logged-out, when
// a heartbeat cannot complete at the transport level. At most one runner is
// active per client; it never outlives a logout.
type keepAliveRunner struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newKeepAliveRunner(c *Client, interval time.Duration) *keepAliveRunner {
	return &keepAliveRunner{
		client:   c,
		interval: interval,
		logger:   logging.WithServer(logging.KeepAlive(), c.serverURI.String()),
	}
}

// Start launches the heartbeat loop. Starting an already-running runner is a
// no-op.
func (r *keepAliveRunner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.loop(r.stopCh, r.doneCh)

	r.logger.Debug("keep-alive started", "interval", r.interval)
}

// Stop halts the heartbeat loop and waits for it to finish. Stopping a
// stopped runner is a no-op.
func (r *keepAliveRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()

	<-doneCh

	r.logger.Debug("keep-alive stopped")
}

// IsRunning reports whether the heartbeat loop is active.
func (r *keepAliveRunner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// loop fires the first heartbeat one full interval after Start, then keeps
// going until stopped or until a heartbeat fails.
func (r *keepAliveRunner) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := r.client.keepAlivePing(context.Background()); err != nil {
				r.logger.Warn("keep-alive ping failed, marking session as expired", "error", err)
				r.mu.Lock()
				r.running = false
				r.mu.Unlock()
				r.client.keepAliveFailed(r)
				return
			}
		}
	}
}

// keepAlivePing issues one heartbeat request. Any HTTP response, whatever
// the status, keeps the session; only a transport failure is an error.
func (c *Client) keepAlivePing(ctx context.Context) error {
	pingURL := c.serverURI.String() + keepAlivePath +
		"?_=" + strconv.FormatInt(time.Now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, nil)
	if err != nil {
		return fmt.Errorf("keep-alive: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.sessionClient().Do(req)
	if err != nil {
		return fmt.Errorf("keep-alive: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.logger.Debug("keep-alive ping", "status", resp.StatusCode)
	return nil
}

// keepAliveFailed records the implicit logout caused by a dead heartbeat.
// This is the only path to logged-out that does not go through Logout.
func (c *Client) keepAliveFailed(r *keepAliveRunner) {
	c.mu.Lock()
	c.loggedIn = false
	if c.keepAlive == r {
		c.keepAlive = nil
	}
	c.mu.Unlock()
}
