package omero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
)

// Fixed webclient paths. These predate the versioned API and are not part of
// the discovered endpoint map.
const (
	logoutPath     = "/webclient/logout/"
	loginProbePath = "/webclient/login/"
)

// sessionCookieName is the cookie carrying the durable session credential.
const sessionCookieName = "sessionid"

// Credentials is a username/password pair for a single authentication
// attempt. The password is held as bytes so it can be zeroed; call Zero (or
// let Login do it) as soon as the attempt is over.
type Credentials struct {
	Username string
	Password []byte
}

// Zero overwrites the password bytes. This is a best-effort mitigation: the
// Go runtime may have copied the data during garbage collection, so zeroing
// shrinks the exposure window but is not a hard guarantee.
func (c *Credentials) Zero() {
	if c == nil {
		return
	}
	zeroBytes(c.Password)
}

// CredentialPrompt supplies credentials on demand, for callers that defer to
// an interactive prompt. lastUsername carries the previously used name so a
// prompt can pre-fill it.
type CredentialPrompt func(serverURI, lastUsername string) (*Credentials, error)

// Group is the user's default permission-scoping group, as reported by the
// login response's eventContext.
type Group struct {
	ID   int64  `json:"groupId"`
	Name string `json:"groupName"`
}

// LoginResult reports the outcome of a successful login.
type LoginResult struct {
	Username     string
	UserID       int64
	SessionID    string
	DefaultGroup Group

	// PreviousUsername is the username before this login. AccountSwitched
	// is set when an already-associated client changed accounts; surfacing
	// it to the user is the caller's concern.
	PreviousUsername string
	AccountSwitched  bool
}

// Login authenticates against the server. It installs a fresh cookie store
// for the attempt, fetches a CSRF token if none is cached, posts the
// credentials, requires a session cookie in the response, probes for the
// image-region microservice and starts the keep-alive heartbeat.
//
// The password in creds is zeroed before Login returns, on success and on
// failure. A cached CSRF token survives a failed login; re-fetching it would
// be cheap but unnecessary.
func (c *Client) Login(ctx context.Context, creds *Credentials) (*LoginResult, error) {
	if creds == nil || creds.Username == "" {
		return nil, fmt.Errorf("%w: missing credentials", ErrInvalidArgument)
	}
	defer creds.Zero()

	if err := c.loginLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("login throttled: %w", err)
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	c.mu.Lock()
	prevUsername := c.username
	token := c.token
	associated := len(c.uris)
	c.mu.Unlock()

	// Fresh, isolated cookie store for this attempt: cookies from an
	// earlier session must not leak in. The swap happens under c.mu because
	// a previous session's heartbeats may still be using the old jar.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	c.mu.Lock()
	c.jar = jar
	c.mu.Unlock()

	if token == "" {
		token, err = c.fetchCSRFToken(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
	}

	loginURL, ok := c.endpoints[endpointLogin]
	if !ok {
		return nil, fmt.Errorf("%w: endpoint map has no %q entry", ErrProtocol, endpointLogin)
	}

	payload, err := c.postLogin(ctx, loginURL, token, creds)
	if err != nil {
		return nil, err
	}

	sessionID, err := sessionIDFromJar(jar, loginURL)
	if err != nil {
		return nil, err
	}

	// A probe failure only means the fast tile path is unavailable; it
	// must not fail the login.
	hasMicroservice, err := c.probeMicroservice(ctx)
	if err != nil {
		c.logger.Debug("microservice probe failed", "error", err)
		hasMicroservice = false
	}

	group, userID, err := parseLoginPayload(payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.loggedIn = true
	c.username = creds.Username
	c.defaultGroup = &group
	c.userID = userID
	c.sessionID = sessionID
	c.hasMicroservice = hasMicroservice
	if c.keepAlive == nil {
		c.keepAlive = newKeepAliveRunner(c, c.keepAliveInterval)
	}
	runner := c.keepAlive
	c.mu.Unlock()

	runner.Start()

	switched := associated > 0 && prevUsername != "" && prevUsername != creds.Username
	c.logger.Info("logged in to OMERO server",
		"username", creds.Username,
		"user_id", userID,
		"group", group.Name,
		"microservice", hasMicroservice,
		"account_switched", switched)

	return &LoginResult{
		Username:         creds.Username,
		UserID:           userID,
		SessionID:        sessionID,
		DefaultGroup:     group,
		PreviousUsername: prevUsername,
		AccountSwitched:  switched,
	}, nil
}

// Logout posts to the webclient logout endpoint and clears session state.
// A 403 from the server means the session was already gone server-side and
// is tolerated; any other non-200 status is an error and leaves local state
// untouched.
func (c *Client) Logout(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	logoutURL := c.serverURI.String() + logoutPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, logoutURL, nil)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	req.Header.Set("X-CSRFToken", token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Referer", logoutURL+":"+strconv.Itoa(c.server.Port))

	resp, err := c.sessionClient().Do(req)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusForbidden {
		return fmt.Errorf("%w: logout returned status %d", ErrProtocol, resp.StatusCode)
	}

	c.mu.Lock()
	c.loggedIn = false
	c.username = ""
	c.token = ""
	// The session id is not cleared: the server does not invalidate the
	// cookie value itself, and the id is meaningless while logged out.
	runner := c.keepAlive
	c.keepAlive = nil
	c.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}

	c.logger.Info("logged out from OMERO server")
	return nil
}

// CheckLoggedIn asks the server whether the current session is still
// authenticated and refreshes the logged-in flag accordingly. It is a
// lightweight probe, distinct from the keep-alive heartbeat.
//
// The webclient login page answers an authenticated request with a redirect
// into the webclient; anonymous requests get the login form with a 200.
func (c *Client) CheckLoggedIn(ctx context.Context) (bool, error) {
	probe := *c.sessionClient()
	probe.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURI.String()+loginProbePath, nil)
	if err != nil {
		return false, fmt.Errorf("login probe: %w", err)
	}

	resp, err := probe.Do(req)
	if err != nil {
		return false, fmt.Errorf("login probe: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	loggedIn := resp.StatusCode >= 300 && resp.StatusCode < 400

	c.mu.Lock()
	c.loggedIn = loggedIn
	c.mu.Unlock()

	return loggedIn, nil
}

// fetchCSRFToken retrieves a fresh anti-forgery token from the token
// endpoint.
func (c *Client) fetchCSRFToken(ctx context.Context) (string, error) {
	tokenURL, ok := c.endpoints[endpointToken]
	if !ok {
		return "", fmt.Errorf("%w: endpoint map has no %q entry", ErrProtocol, endpointToken)
	}
	var out struct {
		Data string `json:"data"`
	}
	if err := getJSON(ctx, c.sessionClient(), tokenURL, &out); err != nil {
		return "", err
	}
	if out.Data == "" {
		return "", fmt.Errorf("%w: token endpoint returned empty token", ErrProtocol)
	}
	return out.Data, nil
}

// postLogin sends the credentials and returns the raw response payload.
// Every buffer that held the password is zeroed as soon as the request has
// been transmitted.
func (c *Client) postLogin(ctx context.Context, loginURL, token string, creds *Credentials) ([]byte, error) {
	body := []byte("server=" + strconv.Itoa(c.server.ID) + "&username=")
	body = appendFormEscaped(body, []byte(creds.Username))
	body = append(body, "&password="...)
	body = appendFormEscaped(body, creds.Password)
	defer zeroBytes(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	req.Header.Set("X-CSRFToken", token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", loginURL+":"+strconv.Itoa(c.server.Port))

	resp, err := c.sessionClient().Do(req)
	// The request body has been transmitted (or the attempt abandoned) by
	// the time Do returns; scrub the password immediately.
	zeroBytes(body)
	creds.Zero()
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("login: read response: %w", err)
	}
	return payload, nil
}

// sessionIDFromJar extracts the session cookie set by the login response.
// Its absence is a hard failure even on HTTP 200: some deployments answer
// bad credentials with a 200 and an HTML error page.
func sessionIDFromJar(jar http.CookieJar, loginURL string) (string, error) {
	u, err := url.Parse(loginURL)
	if err != nil {
		return "", fmt.Errorf("login: parse login URL: %w", err)
	}
	for _, cookie := range jar.Cookies(u) {
		if cookie.Name == sessionCookieName {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("%w: no session id in response", ErrAuthentication)
}

// parseLoginPayload extracts the default group and numeric user id from the
// login response's embedded eventContext.
func parseLoginPayload(payload []byte) (Group, int64, error) {
	var out struct {
		EventContext *struct {
			UserID *int64 `json:"userId"`
			Group
		} `json:"eventContext"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return Group{}, -1, fmt.Errorf("%w: login payload: %v", ErrProtocol, err)
	}
	if out.EventContext == nil || out.EventContext.UserID == nil {
		return Group{}, -1, fmt.Errorf("%w: login payload has no eventContext", ErrProtocol)
	}
	return out.EventContext.Group, *out.EventContext.UserID, nil
}

// appendFormEscaped percent-encodes src per
// application/x-www-form-urlencoded and appends it to dst. Working byte by
// byte keeps credential bytes out of immutable strings, so the composed body
// stays zeroable.
func appendFormEscaped(dst, src []byte) []byte {
	const hex = "0123456789ABCDEF"
	for _, b := range src {
		switch {
		case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9',
			b == '-', b == '_', b == '.', b == '~':
			dst = append(dst, b)
		case b == ' ':
			dst = append(dst, '+')
		default:
			dst = append(dst, '%', hex[b>>4], hex[b&0x0f])
		}
	}
	return dst
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
