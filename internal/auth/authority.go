// ABOUTME: Token authority reached over HTTP
// ABOUTME: Calls GET <base>/connection/token?token=<raw> and reads {"isValid": bool}

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAuthorityTimeout bounds a single call to the external authority.
const DefaultAuthorityTimeout = 10 * time.Second

// maxAuthorityResponse caps how much of a response body is read.
const maxAuthorityResponse = 64 << 10

// HTTPAuthority verifies connection tokens against the control plane.
type HTTPAuthority struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAuthority creates an authority for baseURL. A zero timeout uses DefaultAuthorityTimeout.
func NewHTTPAuthority(baseURL string, timeout time.Duration) *HTTPAuthority {
	if timeout <= 0 {
		timeout = DefaultAuthorityTimeout
	}
	return &HTTPAuthority{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type tokenCheckResponse struct {
	IsValid bool `json:"isValid"`
}

// Verify asks the authority about rawToken. Transport failures and unexpected statuses
// are returned as errors; the trust cache turns them into "not verified".
func (a *HTTPAuthority) Verify(ctx context.Context, rawToken string) (bool, error) {
	endpoint := a.baseURL + "/connection/token?token=" + url.QueryEscape(rawToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// url.Error would echo the token back in the message.
		return false, fmt.Errorf("calling token authority: %w", unwrapURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("token authority returned status %d", resp.StatusCode)
	}

	var body tokenCheckResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAuthorityResponse)).Decode(&body); err != nil {
		return false, fmt.Errorf("decoding token authority response: %w", err)
	}
	return body.IsValid, nil
}

func unwrapURLError(err error) error {
	if uerr, ok := err.(*url.Error); ok {
		return uerr.Err
	}
	return err
}
