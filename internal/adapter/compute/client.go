package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

const (
	SchemaVersion = "v1"

	maxErrorBody = 500
)

var (
	ErrNotConfigured = errors.New("compute client not configured")
	ErrValidation    = errors.New("COMPUTE_VALIDATION_ERROR")
	ErrHTTP          = errors.New("COMPUTE_HTTP_ERROR")
	ErrBadResponse   = errors.New("COMPUTE_BAD_RESPONSE")
	ErrTransport     = errors.New("COMPUTE_TRANSPORT_ERROR")
)

// Result is the part of the compute response the orchestrator persists.
type Result struct {
	SchemaVersion string          `json:"schema_version"`
	CalcVersion   string          `json:"calc_version"`
	FactsHash     string          `json:"facts_hash"`
	HasBirthTime  bool            `json:"has_birth_time"`
	Facts         json.RawMessage `json:"facts,omitempty"`
	Signals       json.RawMessage `json:"signals,omitempty"`
}

type Client struct {
	baseURL string
	tokens  oauth2.TokenSource
	client  *http.Client
}

// NewClient returns a client for the compute service at baseURL, authorising
// each call with a bearer token from tokens.
func NewClient(baseURL string, tokens oauth2.TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
	}
}

// NewIDTokenSource mints Google ID tokens for audience from a service account
// credentials JSON document.
func NewIDTokenSource(ctx context.Context, audience, credentialsJSON string) (oauth2.TokenSource, error) {
	if audience == "" || credentialsJSON == "" {
		return nil, ErrNotConfigured
	}
	ts, err := idtoken.NewTokenSource(ctx, audience, option.WithCredentialsJSON([]byte(credentialsJSON)))
	if err != nil {
		return nil, fmt.Errorf("id token source: %w", err)
	}
	return ts, nil
}

// Ready reports whether the client can make calls at all.
func (c *Client) Ready() error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("%w: COMPUTE_BASE_URL", ErrNotConfigured)
	}
	if c.tokens == nil {
		return fmt.Errorf("%w: GOOGLE_APPLICATION_CREDENTIALS_JSON", ErrNotConfigured)
	}
	return nil
}

// Compute validates req and POSTs it to /v1/compute. There are no retries;
// a failed call surfaces as a row failure and the lease TTL handles the rest.
func (c *Client) Compute(ctx context.Context, req Request) (*Result, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrValidation, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/compute", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: id token: %v", ErrTransport, err)
	}
	tok.SetAuthHeader(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w:%d:%s", ErrHTTP, resp.StatusCode, truncate(string(raw), maxErrorBody))
	}

	var body struct {
		SchemaVersion *string         `json:"schema_version"`
		CalcVersion   *string         `json:"calc_version"`
		FactsHash     *string         `json:"facts_hash"`
		HasBirthTime  bool            `json:"has_birth_time"`
		Facts         json.RawMessage `json:"facts"`
		Signals       json.RawMessage `json:"signals"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: invalid json", ErrBadResponse)
	}
	if body.SchemaVersion == nil || *body.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema_version", ErrBadResponse)
	}
	if body.CalcVersion == nil || *body.CalcVersion == "" {
		return nil, fmt.Errorf("%w: calc_version", ErrBadResponse)
	}
	if body.FactsHash == nil || *body.FactsHash == "" {
		return nil, fmt.Errorf("%w: facts_hash", ErrBadResponse)
	}

	return &Result{
		SchemaVersion: *body.SchemaVersion,
		CalcVersion:   *body.CalcVersion,
		FactsHash:     *body.FactsHash,
		HasBirthTime:  body.HasBirthTime,
		Facts:         body.Facts,
		Signals:       body.Signals,
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
