package omero

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/omero-tools/omerows/internal/logging"
)

// Well-known keys of the discovered endpoint map. The server may advertise
// additional endpoints; the map keeps whatever the server returned.
const (
	endpointLogin   = "url:login"
	endpointToken   = "url:token"
	endpointServers = "url:servers"
)

// APIVersion is one entry of the version list served at /api/.
type APIVersion struct {
	Version string `json:"version"`
	BaseURL string `json:"url:base"`
}

// ServerRecord is one backend entry returned by the servers endpoint.
type ServerRecord struct {
	ID     int    `json:"id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Server string `json:"server"`
}

// Discovery holds everything learned from the server's versioned API root.
// It is populated once per client lifetime and never mutated afterwards.
type Discovery struct {
	// Versions is the full version list, in server-reported order.
	Versions []APIVersion
	// Current is the selected version: the last one the server listed.
	// The server ordering is authoritative, this is not a semver max.
	Current APIVersion
	// Endpoints maps symbolic endpoint names to absolute URLs.
	Endpoints map[string]string
	// Server is the first backend record from the servers endpoint.
	Server ServerRecord
}

// Discover resolves the versioned API root of an OMERO server: it fetches
// the version list, selects the latest version, loads its endpoint map and
// picks the first record from the servers endpoint.
//
// Redirect responses are a terminal failure (ErrRedirect) rather than being
// followed.
func Discover(ctx context.Context, hc *http.Client, serverURI *url.URL) (*Discovery, error) {
	if hc == nil {
		hc = http.DefaultClient
	}

	var root struct {
		Data []APIVersion `json:"data"`
	}
	if err := getJSON(ctx, hc, serverURI.String()+"/api/", &root); err != nil {
		return nil, err
	}
	if len(root.Data) == 0 {
		return nil, fmt.Errorf("%w: server %s listed no API versions", ErrUnsupportedVersion, serverURI)
	}

	current := root.Data[len(root.Data)-1]
	if current.BaseURL == "" {
		return nil, fmt.Errorf("%w: version %q has no base URL", ErrProtocol, current.Version)
	}

	endpoints := map[string]string{}
	if err := getJSON(ctx, hc, current.BaseURL, &endpoints); err != nil {
		return nil, err
	}

	serversURL, ok := endpoints[endpointServers]
	if !ok {
		return nil, fmt.Errorf("%w: endpoint map has no %q entry", ErrProtocol, endpointServers)
	}
	var servers struct {
		Data []ServerRecord `json:"data"`
	}
	if err := getJSON(ctx, hc, serversURL, &servers); err != nil {
		return nil, err
	}
	if len(servers.Data) == 0 {
		return nil, fmt.Errorf("%w: servers endpoint returned no entries", ErrProtocol)
	}

	logging.WithServer(logging.Discovery(), serverURI.String()).Debug("versioned API resolved",
		"version", current.Version,
		"versions_advertised", len(root.Data),
		"endpoints", len(endpoints),
		"backend_id", servers.Data[0].ID)

	return &Discovery{
		Versions:  root.Data,
		Current:   current,
		Endpoints: endpoints,
		Server:    servers.Data[0],
	}, nil
}

// getJSON fetches a URL and decodes the response body into out. Redirects
// are not followed: a 3xx status yields ErrRedirect.
func getJSON(ctx context.Context, hc *http.Client, rawURL string, out any) error {
	// Shallow copy so the caller's client keeps its own redirect policy.
	noRedirect := *hc
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("GET %s: %w", rawURL, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := noRedirect.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		return fmt.Errorf("%w: GET %s returned %d (location %q)", ErrRedirect, rawURL, resp.StatusCode, location)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("GET %s: read body: %w", rawURL, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: GET %s: %v", ErrProtocol, rawURL, err)
	}
	return nil
}
