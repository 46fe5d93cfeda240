package omero

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	// microservicePath is the well-known tile path probed with OPTIONS.
	microservicePath = "/tile/"

	// microserviceProvider is the provider string advertised by the
	// image-region microservice (glencoesoftware/omero-ms-image-region).
	microserviceProvider = "PixelBufferMicroservice"
)

// probeMicroservice checks whether the server runs the image-region
// microservice that enables raw tile retrieval. The probe is only meaningful
// with a valid session but does not itself require one.
//
// A non-200 response is an error; the login flow downgrades it to
// "capability unavailable".
func (c *Client) probeMicroservice(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.serverURI.String()+microservicePath, nil)
	if err != nil {
		return false, fmt.Errorf("microservice probe: %w", err)
	}

	resp, err := c.sessionClient().Do(req)
	if err != nil {
		return false, fmt.Errorf("microservice probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("microservice probe: status %d", resp.StatusCode)
	}

	var out struct {
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("%w: microservice probe: %v", ErrProtocol, err)
	}
	return out.Provider == microserviceProvider, nil
}
