package omero

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeOmero is an in-process OMERO web server covering the endpoints the
// client talks to: the versioned API root, token/login, the webclient
// logout/keep-alive/login-probe paths and the microservice tile path.
type fakeOmero struct {
	ts *httptest.Server

	mu sync.Mutex
	// knobs
	versions     []APIVersion // filled in after the server URL is known
	setCookie    bool         // set the sessionid cookie on login
	loginBody    string       // login response payload
	provider     string       // microservice provider; "" serves a 404
	logoutStatus int
	// observations
	tokenFetches   int
	loginCalls     int
	lastLoginBody  string
	lastLoginToken string
	lastReferer    string
	keepAliveCalls int
}

const (
	fakeSessionID = "abc123"
	fakeCSRFToken = "csrf-abc"
	fakeServerID  = 3
)

func defaultLoginBody() string {
	return `{"eventContext":{"userId":42,"groupId":7,"groupName":"research"}}`
}

// newFakeOmero starts a fake server advertising versions v0-beta and v1.
func newFakeOmero(t *testing.T) *fakeOmero {
	t.Helper()

	f := &fakeOmero{
		setCookie:    true,
		loginBody:    defaultLoginBody(),
		provider:     microserviceProvider,
		logoutStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)

	base := f.ts.URL
	f.versions = []APIVersion{
		{Version: "v0-beta", BaseURL: base + "/api/v0-beta/"},
		{Version: "v1", BaseURL: base + "/api/v1/"},
	}

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		versions := f.versions
		f.mu.Unlock()
		writeJSON(w, map[string]any{"data": versions})
	})
	mux.HandleFunc("/api/v1/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"url:login":   base + "/api/v1/login/",
			"url:token":   base + "/api/v1/token/",
			"url:servers": base + "/api/v1/servers/",
			"url:save":    base + "/api/v1/save/",
		})
	})
	mux.HandleFunc("/api/v1/token/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenFetches++
		f.mu.Unlock()
		writeJSON(w, map[string]string{"data": fakeCSRFToken})
	})
	mux.HandleFunc("/api/v1/servers/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []ServerRecord{
			{ID: fakeServerID, Host: "omero.example.org", Port: 4064, Server: "omero"},
		}})
	})
	mux.HandleFunc("/api/v1/login/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.loginCalls++
		f.lastLoginBody = string(body)
		f.lastLoginToken = r.Header.Get("X-CSRFToken")
		f.lastReferer = r.Header.Get("Referer")
		setCookie := f.setCookie
		loginBody := f.loginBody
		f.mu.Unlock()

		if setCookie {
			http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: fakeSessionID, Path: "/"})
		}
		fmt.Fprint(w, loginBody)
	})
	mux.HandleFunc("/tile/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		provider := f.provider
		f.mu.Unlock()
		if provider == "" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]string{"provider": provider})
	})
	mux.HandleFunc("/webclient/logout/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.logoutStatus
		f.mu.Unlock()
		w.WriteHeader(status)
	})
	mux.HandleFunc("/webclient/keepalive_ping/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.keepAliveCalls++
		f.mu.Unlock()
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("/webclient/login/", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sessionid"); err == nil && c.Value != "" {
			http.Redirect(w, r, "/webclient/", http.StatusFound)
			return
		}
		fmt.Fprint(w, "<html>login form</html>")
	})

	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeOmero) get(field *int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *field
}

func (f *fakeOmero) set(fn func(*fakeOmero)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}
