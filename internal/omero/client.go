// Package omero implements a session-managing client for the OMERO web API.
// It discovers the server's versioned API endpoints, performs the
// CSRF-protected login flow, keeps the session alive with a background
// heartbeat, detects the optional image-region microservice and answers
// accessibility checks for remote objects.
package omero

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/omero-tools/omerows/internal/logging"
)

const (
	// defaultTimeout bounds every HTTP request made by the client.
	defaultTimeout = 30 * time.Second

	// loginAttemptInterval and loginAttemptBurst throttle repeated login
	// attempts against a single server.
	loginAttemptInterval = 2 * time.Second
	loginAttemptBurst    = 5
)

// Client is a session-managing connection to one OMERO web server.
// It is safe for concurrent use; login and logout sequences are serialized.
type Client struct {
	serverURI  *url.URL
	instanceID string
	httpClient *http.Client
	logger     *slog.Logger

	// Populated once by discovery, immutable afterwards.
	versions   []APIVersion
	apiVersion APIVersion
	endpoints  map[string]string
	server     ServerRecord

	keepAliveInterval time.Duration
	loginLimiter      *rate.Limiter

	// loginMu serializes whole login/logout sequences so that two callers
	// cannot interleave the multi-step authentication protocol.
	loginMu sync.Mutex

	// mu guards all mutable session state below.
	mu              sync.Mutex
	jar             http.CookieJar
	token           string
	sessionID       string
	loggedIn        bool
	username        string
	defaultGroup    *Group
	userID          int64
	hasMicroservice bool
	uris            []*url.URL
	keepAlive       *keepAliveRunner
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Any cookie jar on it is taken
// over as session state and replaced on every login attempt.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithKeepAliveInterval sets the interval between session heartbeats.
// Default is DefaultKeepAliveInterval.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.keepAliveInterval = d
		}
	}
}

// WithLogger sets the logger used by the client and its keep-alive runner.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NormalizeServerURI reduces a raw server address to scheme, host and port.
// Path, query and fragment components are discarded.
func NormalizeServerURI(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: parse server URI: %v", ErrInvalidArgument, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: server URI must be http(s)://host[:port], got %q", ErrInvalidArgument, raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// Connect creates a client for the given server address and runs endpoint
// discovery. It returns an error, and no client, if discovery fails; a
// Client is never returned partially initialized.
func Connect(ctx context.Context, rawURI string, opts ...Option) (*Client, error) {
	serverURI, err := NormalizeServerURI(rawURI)
	if err != nil {
		return nil, err
	}

	c := &Client{
		serverURI:         serverURI,
		instanceID:        uuid.New().String(),
		httpClient:        &http.Client{Timeout: defaultTimeout},
		keepAliveInterval: DefaultKeepAliveInterval,
		loginLimiter:      rate.NewLimiter(rate.Every(loginAttemptInterval), loginAttemptBurst),
		userID:            -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	// The base client is never mutated after this point; the session cookie
	// jar lives under c.mu so login can swap it while heartbeats run.
	if c.httpClient.Jar != nil {
		c.jar = c.httpClient.Jar
		c.httpClient.Jar = nil
	}
	if c.logger == nil {
		c.logger = logging.Session()
	}
	c.logger = c.logger.With("client_id", c.instanceID, "server", serverURI.String())

	d, err := Discover(ctx, c.httpClient, serverURI)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", serverURI, err)
	}
	c.versions = d.Versions
	c.apiVersion = d.Current
	c.endpoints = d.Endpoints
	c.server = d.Server

	c.logger.Debug("OMERO API discovered",
		"api_version", c.apiVersion.Version,
		"endpoints", len(c.endpoints),
		"server_id", c.server.ID)

	return c, nil
}

// sessionClient returns a shallow copy of the base HTTP client carrying the
// current session cookie jar, snapshotted under the lock. Every request path
// goes through here so that replacing the jar during login cannot race an
// in-flight heartbeat or probe.
func (c *Client) sessionClient() *http.Client {
	c.mu.Lock()
	jar := c.jar
	c.mu.Unlock()

	hc := *c.httpClient
	hc.Jar = jar
	return &hc
}

// InstanceID returns the unique id of this client instance, used for log
// correlation.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// ServerURI returns the normalized server URI this client talks to.
func (c *Client) ServerURI() *url.URL {
	u := *c.serverURI
	return &u
}

// Server returns the backend record selected during discovery.
func (c *Client) Server() ServerRecord {
	return c.server
}

// Versions returns the API versions advertised by the server, in server order.
func (c *Client) Versions() []APIVersion {
	out := make([]APIVersion, len(c.versions))
	copy(out, c.versions)
	return out
}

// APIVersion returns the API version the client selected (the last one the
// server listed).
func (c *Client) APIVersion() APIVersion {
	return c.apiVersion
}

// Endpoints returns a copy of the discovered endpoint map.
func (c *Client) Endpoints() map[string]string {
	return maps.Clone(c.endpoints)
}

// LoggedIn reports the last known logged-in state. Use CheckLoggedIn for an
// authoritative answer from the server.
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

// Username returns the current username. Empty when not logged in, or when
// browsing a public server.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// SessionID returns the session id extracted from the last successful login.
// It is only meaningful while LoggedIn is true.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Token returns the cached CSRF token, if any.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// UserID returns the numeric user id from the last login, or -1.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// DefaultGroup returns the user's default group from the last login.
func (c *Client) DefaultGroup() (Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.defaultGroup == nil {
		return Group{}, false
	}
	return *c.defaultGroup, true
}

// HasMicroservice reports whether the image-region microservice was detected
// during the last login.
func (c *Client) HasMicroservice() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMicroservice
}

// AddURI associates uri with this client. The association list only grows;
// duplicates are rejected and reported with a false return.
func (c *Client) AddURI(uri *url.URL) bool {
	if uri == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.uris {
		if existing.String() == uri.String() {
			c.logger.Debug("URI already associated with client", "uri", uri.String())
			return false
		}
	}
	u := *uri
	c.uris = append(c.uris, &u)
	return true
}

// URIs returns a copy of the URIs associated with this client.
func (c *Client) URIs() []*url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*url.URL, len(c.uris))
	for i, u := range c.uris {
		cp := *u
		out[i] = &cp
	}
	return out
}

// Identity identifies a client by server URI and current username. It is
// comparable and can be used as a map key. The same identity can reappear
// after a username change, so registries indexing clients by Identity must
// re-register after every login.
type Identity struct {
	ServerURI string
	Username  string
}

// Identity returns the client's current identity.
func (c *Client) Identity() Identity {
	return Identity{
		ServerURI: c.serverURI.String(),
		Username:  c.Username(),
	}
}

// Equal reports whether two clients share server URI and current username.
func (c *Client) Equal(other *Client) bool {
	if other == nil {
		return false
	}
	return c.Identity() == other.Identity()
}
