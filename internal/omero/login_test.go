package omero

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

func connectFake(t *testing.T, f *fakeOmero, opts ...Option) *Client {
	t.Helper()
	c, err := Connect(context.Background(), f.ts.URL, opts...)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() {
		c.mu.Lock()
		runner := c.keepAlive
		c.keepAlive = nil
		c.mu.Unlock()
		if runner != nil {
			runner.Stop()
		}
	})
	return c
}

func testCredentials(username, password string) *Credentials {
	return &Credentials{Username: username, Password: []byte(password)}
}

func TestLogin_Success(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f)

	result, err := c.Login(context.Background(), testCredentials("alice", "secret"))
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if !c.LoggedIn() {
		t.Error("LoggedIn() = false after successful login")
	}
	if got := c.SessionID(); got != fakeSessionID {
		t.Errorf("SessionID() = %q, want %q", got, fakeSessionID)
	}
	if got := c.Username(); got != "alice" {
		t.Errorf("Username() = %q, want alice", got)
	}
	if got := c.UserID(); got != 42 {
		t.Errorf("UserID() = %d, want 42", got)
	}
	group, ok := c.DefaultGroup()
	if !ok {
		t.Fatal("DefaultGroup() reported no group")
	}
	if group.ID != 7 || group.Name != "research" {
		t.Errorf("DefaultGroup() = %+v, want {7 research}", group)
	}
	if !c.HasMicroservice() {
		t.Error("HasMicroservice() = false, want true")
	}
	if result.SessionID != fakeSessionID || result.UserID != 42 {
		t.Errorf("LoginResult = %+v, want sessionID %q and userID 42", result, fakeSessionID)
	}

	c.mu.Lock()
	runner := c.keepAlive
	c.mu.Unlock()
	if runner == nil || !runner.IsRunning() {
		t.Error("keep-alive runner not active after login")
	}
}

func TestLogin_SendsProtocolHeadersAndBody(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f)

	if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if want := "server=3&username=alice&password=secret"; f.lastLoginBody != want {
		t.Errorf("login body = %q, want %q", f.lastLoginBody, want)
	}
	if f.lastLoginToken != fakeCSRFToken {
		t.Errorf("X-CSRFToken = %q, want %q", f.lastLoginToken, fakeCSRFToken)
	}
	// Referer is the login URL with the backend port appended.
	if !strings.HasSuffix(f.lastReferer, ":4064") || !strings.Contains(f.lastReferer, "/api/v1/login/") {
		t.Errorf("Referer = %q, want login URL suffixed with :4064", f.lastReferer)
	}
}

func TestLogin_NoSessionCookieFailsEvenOn200(t *testing.T) {
	f := newFakeOmero(t)
	f.set(func(f *fakeOmero) { f.setCookie = false })
	c := connectFake(t, f)

	_, err := c.Login(context.Background(), testCredentials("alice", "secret"))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Login() error = %v, want ErrAuthentication", err)
	}
	if !strings.Contains(err.Error(), "no session id") {
		t.Errorf("Login() error = %q, want mention of missing session id", err)
	}
	if c.LoggedIn() {
		t.Error("LoggedIn() = true after failed login")
	}
}

func TestLogin_MalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>internal error</html>"},
		{"no event context", `{"success":true}`},
		{"no user id", `{"eventContext":{"groupId":7}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeOmero(t)
			f.set(func(f *fakeOmero) { f.loginBody = tt.body })
			c := connectFake(t, f)

			_, err := c.Login(context.Background(), testCredentials("alice", "secret"))
			if !errors.Is(err, ErrProtocol) {
				t.Fatalf("Login() error = %v, want ErrProtocol", err)
			}
			if c.LoggedIn() {
				t.Error("LoggedIn() = true after failed login")
			}
		})
	}
}

func TestLogin_MicroserviceProbeFailureDoesNotFailLogin(t *testing.T) {
	f := newFakeOmero(t)
	f.set(func(f *fakeOmero) { f.provider = "" }) // /tile/ serves 404
	c := connectFake(t, f)

	if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if c.HasMicroservice() {
		t.Error("HasMicroservice() = true, want false when probe fails")
	}
	if !c.LoggedIn() {
		t.Error("LoggedIn() = false, probe failure must not fail login")
	}
}

func TestLogin_MicroserviceUnknownProvider(t *testing.T) {
	f := newFakeOmero(t)
	f.set(func(f *fakeOmero) { f.provider = "SomethingElse" })
	c := connectFake(t, f)

	if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if c.HasMicroservice() {
		t.Error("HasMicroservice() = true for an unknown provider")
	}
}

func TestLogin_TokenCachedAcrossAttempts(t *testing.T) {
	f := newFakeOmero(t)
	f.set(func(f *fakeOmero) { f.setCookie = false })
	c := connectFake(t, f)

	// First attempt fails after the token fetch; the token stays cached.
	if _, err := c.Login(context.Background(), testCredentials("alice", "wrong")); err == nil {
		t.Fatal("Login() error = nil, want failure")
	}
	if got := c.Token(); got != fakeCSRFToken {
		t.Errorf("Token() = %q after failed login, want cached %q", got, fakeCSRFToken)
	}

	f.set(func(f *fakeOmero) { f.setCookie = true })
	if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if got := f.get(&f.tokenFetches); got != 1 {
		t.Errorf("token fetched %d times, want 1", got)
	}
}

func TestLogin_RepeatedLoginKeepsSingleScheduler(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f)

	if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	c.mu.Lock()
	first := c.keepAlive
	c.mu.Unlock()

	if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
		t.Fatalf("second Login() error = %v", err)
	}
	c.mu.Lock()
	second := c.keepAlive
	c.mu.Unlock()

	if first != second {
		t.Error("second login created a new keep-alive runner")
	}
	if !second.IsRunning() {
		t.Error("keep-alive runner not running after second login")
	}
}

func TestLogin_ReloginWhileHeartbeatsRun(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f, WithKeepAliveInterval(time.Millisecond))

	// Re-login repeatedly while the heartbeat goroutine keeps firing; the
	// cookie jar swap must not race in-flight heartbeat requests.
	for i := 0; i < 5; i++ {
		if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
			t.Fatalf("Login() #%d error = %v", i, err)
		}
	}

	if !c.LoggedIn() {
		t.Error("LoggedIn() = false after repeated logins")
	}

	before := f.get(&f.keepAliveCalls)
	waitFor(t, 2*time.Second, func() bool {
		return f.get(&f.keepAliveCalls) > before
	}, "heartbeats stopped after re-login")
}

func TestLogin_EscapesReservedCredentialBytes(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f)

	if _, err := c.Login(context.Background(), testCredentials("al ice&co", "p&ss=word 1%")); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	f.mu.Lock()
	body := f.lastLoginBody
	f.mu.Unlock()

	values, err := url.ParseQuery(body)
	if err != nil {
		t.Fatalf("login body %q did not parse as a form: %v", body, err)
	}
	if got := values.Get("username"); got != "al ice&co" {
		t.Errorf("decoded username = %q, want %q", got, "al ice&co")
	}
	if got := values.Get("password"); got != "p&ss=word 1%" {
		t.Errorf("decoded password = %q, want %q", got, "p&ss=word 1%")
	}
	if got := values.Get("server"); got != "3" {
		t.Errorf("decoded server = %q, want 3", got)
	}
}

func TestLogin_PasswordBuffersZeroed(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f)

	creds := testCredentials("alice", "secret")
	password := creds.Password

	if _, err := c.Login(context.Background(), creds); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if !bytes.Equal(password, make([]byte, len(password))) {
		t.Errorf("password buffer = %q, want all zero bytes", password)
	}
}

func TestLogin_PasswordZeroedOnFailureToo(t *testing.T) {
	f := newFakeOmero(t)
	f.set(func(f *fakeOmero) { f.setCookie = false })
	c := connectFake(t, f)

	creds := testCredentials("alice", "secret")
	password := creds.Password

	if _, err := c.Login(context.Background(), creds); err == nil {
		t.Fatal("Login() error = nil, want failure")
	}
	if !bytes.Equal(password, make([]byte, len(password))) {
		t.Errorf("password buffer = %q, want all zero bytes", password)
	}
}

func TestLogin_AccountSwitched(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f)

	res, err := c.Login(context.Background(), testCredentials("alice", "secret"))
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if res.AccountSwitched {
		t.Error("AccountSwitched = true on first login")
	}

	c.AddURI(mustParseURL(t, f.ts.URL+"/webclient/?show=image-1"))

	res, err = c.Login(context.Background(), testCredentials("bob", "hunter2"))
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !res.AccountSwitched {
		t.Error("AccountSwitched = false after switching accounts")
	}
	if res.PreviousUsername != "alice" {
		t.Errorf("PreviousUsername = %q, want alice", res.PreviousUsername)
	}
	if got := c.Username(); got != "bob" {
		t.Errorf("Username() = %q, want bob", got)
	}
}

func TestLogin_MissingCredentials(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f)

	if _, err := c.Login(context.Background(), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Login(nil) error = %v, want ErrInvalidArgument", err)
	}
	if _, err := c.Login(context.Background(), &Credentials{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Login(empty) error = %v, want ErrInvalidArgument", err)
	}
}

func TestLogout_ClearsSessionState(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f)

	if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	c.mu.Lock()
	runner := c.keepAlive
	c.mu.Unlock()

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if c.LoggedIn() {
		t.Error("LoggedIn() = true after logout")
	}
	if got := c.Username(); got != "" {
		t.Errorf("Username() = %q after logout, want empty", got)
	}
	if got := c.Token(); got != "" {
		t.Errorf("Token() = %q after logout, want cleared", got)
	}
	// The session id is deliberately left in place; it is meaningless
	// while logged out.
	if got := c.SessionID(); got != fakeSessionID {
		t.Errorf("SessionID() = %q after logout, want untouched %q", got, fakeSessionID)
	}
	if runner.IsRunning() {
		t.Error("keep-alive runner still running after logout")
	}
}

func TestLogout_Tolerates403(t *testing.T) {
	f := newFakeOmero(t)
	f.set(func(f *fakeOmero) { f.logoutStatus = http.StatusForbidden })
	c := connectFake(t, f)

	if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v, want 403 tolerated", err)
	}
	if c.LoggedIn() {
		t.Error("LoggedIn() = true after tolerated 403 logout")
	}
}

func TestLogout_RejectsOtherStatuses(t *testing.T) {
	f := newFakeOmero(t)
	f.set(func(f *fakeOmero) { f.logoutStatus = http.StatusInternalServerError })
	c := connectFake(t, f)

	if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	err := c.Logout(context.Background())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Logout() error = %v, want ErrProtocol", err)
	}
	// A hard logout failure leaves local state untouched.
	if !c.LoggedIn() {
		t.Error("LoggedIn() = false after failed logout")
	}
}

func TestCheckLoggedIn(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f)

	loggedIn, err := c.CheckLoggedIn(context.Background())
	if err != nil {
		t.Fatalf("CheckLoggedIn() error = %v", err)
	}
	if loggedIn {
		t.Error("CheckLoggedIn() = true before any login")
	}

	if _, err := c.Login(context.Background(), testCredentials("alice", "secret")); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	loggedIn, err = c.CheckLoggedIn(context.Background())
	if err != nil {
		t.Fatalf("CheckLoggedIn() error = %v", err)
	}
	if !loggedIn {
		t.Error("CheckLoggedIn() = false after login")
	}
	if !c.LoggedIn() {
		t.Error("LoggedIn() flag not refreshed by CheckLoggedIn")
	}
}

func TestLogin_ThrottleRespectsContext(t *testing.T) {
	f := newFakeOmero(t)
	c := connectFake(t, f)

	// Exhaust the limiter burst.
	c.loginLimiter.AllowN(time.Now(), loginAttemptBurst)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Login(ctx, testCredentials("alice", "secret"))
	if err == nil {
		t.Fatal("Login() error = nil, want throttling error")
	}
}
