// Package upstream implements typed calls to the upstream identity and data
// provider: credential exchange, intent extraction, candidate filtering and
// per-candidate synthesis. Authentication failures reported by the upstream
// are classified distinctly from other errors so callers can react to them
// (triggering reauth) without inspecting HTTP status codes themselves.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/privybridge/authbridge/internal/apierr"
	"github.com/privybridge/authbridge/internal/logger"
)

// maxResponseBodySize bounds how much of an upstream response body is read,
// guarding against a misbehaving upstream streaming an unbounded response.
const maxResponseBodySize = 1 << 20

// Config configures the upstream client's base URL and per-call timeouts.
type Config struct {
	APIURL                string
	APITimeout            time.Duration
	TokenExchangeTimeout  time.Duration
	// ExchangeURL is the local credential-exchange endpoint the client calls
	// to trade an oauthbridge bearer token for the upstream credential.
	ExchangeURL string
}

// Client makes typed calls against the upstream IdP/API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New constructs an upstream Client.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

// errorBody is the shape of an upstream error response, matched loosely:
// any of these fields being present is enough to classify the failure.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

func (b errorBody) text() string {
	for _, s := range []string{b.Error, b.ErrorDescription, b.Message} {
		if s != "" {
			return s
		}
	}
	return ""
}

var invalidTokenMarkers = []string{
	"privy_token_invalid",
	"invalid or expired access token",
	"invalid_token",
	"token expired",
	"unauthorized",
}

func looksLikeInvalidToken(status int, body []byte) bool {
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return false
	}
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	text := strings.ToLower(eb.text())
	if text == "" {
		text = strings.ToLower(string(body))
	}
	for _, marker := range invalidTokenMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// doJSON performs an HTTP request with a bearer token, classifying the
// response into UpstreamTokenInvalid / UpstreamError / UpstreamTimeout.
func (c *Client) doJSON(ctx context.Context, method, url, bearer string, reqBody, out any, timeout time.Duration) error {
	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return apierr.NewServerError("failed to encode upstream request", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return apierr.NewServerError("failed to build upstream request", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return apierr.New(apierr.KindUpstreamTimeout, "upstream call timed out", err)
		}
		return apierr.New(apierr.KindUpstreamError, "upstream call failed", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBodySize)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return apierr.NewServerError("failed to read upstream response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return apierr.NewServerError("failed to decode upstream response", err)
			}
		}
		return nil
	}

	if looksLikeInvalidToken(resp.StatusCode, respBody) {
		logger.Warnw("upstream reported invalid token", "url", url, "status", resp.StatusCode)
		return apierr.New(apierr.KindUpstreamTokenInvalid, "upstream token invalid", nil)
	}

	logger.Errorw("upstream call returned error", "url", url, "status", resp.StatusCode, "body", truncate(string(respBody), 500))
	return apierr.New(apierr.KindUpstreamError, fmt.Sprintf("upstream returned status %d", resp.StatusCode), nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ExchangeUpstreamToken trades an oauthbridge bearer token for the upstream
// credential carried by its session, by calling the local credential
// exchange endpoint. The response is parsed into an oauth2.Token whose
// expiry is logged; only the bare access token string is returned, since
// that is all downstream calls need.
func (c *Client) ExchangeUpstreamToken(ctx context.Context, oauthBearer string) (string, error) {
	var out struct {
		UpstreamAccessToken string `json:"upstreamAccessToken"`
		ExpiresAt           int64  `json:"expiresAt"`
	}
	err := c.doJSON(ctx, http.MethodPost, c.cfg.ExchangeURL, oauthBearer, nil, &out, c.cfg.TokenExchangeTimeout)
	if err != nil {
		return "", err
	}

	tok := &oauth2.Token{
		AccessToken: out.UpstreamAccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Unix(out.ExpiresAt, 0),
	}
	logger.Debugw("exchanged upstream credential", "expiresAt", tok.Expiry, "preview", logger.Preview(tok.AccessToken))
	return tok.AccessToken, nil
}

// Intent is a single extracted intent from user-provided text.
type Intent struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ExtractIntentsResult is the response of ExtractIntents.
type ExtractIntentsResult struct {
	Intents          []Intent `json:"intents"`
	FilesProcessed   int      `json:"filesProcessed"`
	LinksProcessed   int      `json:"linksProcessed"`
	IntentsGenerated int      `json:"intentsGenerated"`
}

// ExtractIntents posts user text to the upstream's intent-extraction
// endpoint.
func (c *Client) ExtractIntents(ctx context.Context, upstreamBearer, text string) (*ExtractIntentsResult, error) {
	req := struct {
		Text string `json:"text"`
	}{Text: text}

	var out ExtractIntentsResult
	err := c.doJSON(ctx, http.MethodPost, c.cfg.APIURL+"/discover/new", upstreamBearer, req, &out, c.cfg.APITimeout)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Candidate is a connection candidate returned by the upstream filter.
type Candidate struct {
	User struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	} `json:"user"`
	IntentIDs []string `json:"intentIds"`
}

// Pagination describes the upstream's paging cursor for FilterCandidates.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasNext bool `json:"hasNext"`
}

// FilterCandidatesResult is the response of FilterCandidates.
type FilterCandidatesResult struct {
	Results    []Candidate `json:"results"`
	Pagination Pagination  `json:"pagination"`
}

// FilterCandidatesParams are the request parameters for FilterCandidates.
type FilterCandidatesParams struct {
	IntentIDs         []string
	ExcludeDiscovered bool
	Page              int
	Limit             int
}

// FilterCandidates queries the upstream's candidate index for users who
// match the given intents.
func (c *Client) FilterCandidates(ctx context.Context, upstreamBearer string, p FilterCandidatesParams) (*FilterCandidatesResult, error) {
	if p.Limit > 100 {
		p.Limit = 100
	}
	req := struct {
		IntentIDs         []string `json:"intentIds"`
		ExcludeDiscovered bool     `json:"excludeDiscovered"`
		Page              int      `json:"page"`
		Limit             int      `json:"limit"`
	}{
		IntentIDs:         p.IntentIDs,
		ExcludeDiscovered: p.ExcludeDiscovered,
		Page:              p.Page,
		Limit:             p.Limit,
	}

	var out FilterCandidatesResult
	err := c.doJSON(ctx, http.MethodPost, c.cfg.APIURL+"/discover/filter", upstreamBearer, req, &out, c.cfg.APITimeout)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SynthesizeParams are the request parameters for Synthesize.
type SynthesizeParams struct {
	TargetUserID   string
	IntentIDs      []string
	CharacterLimit int
}

// SynthesizeResult is the response of Synthesize.
type SynthesizeResult struct {
	Synthesis    string `json:"synthesis"`
	TargetUserID string `json:"targetUserId"`
}

// Synthesize asks the upstream to produce a natural-language summary of the
// shared context between the caller and a single candidate.
func (c *Client) Synthesize(ctx context.Context, upstreamBearer string, p SynthesizeParams) (*SynthesizeResult, error) {
	req := struct {
		TargetUserID   string   `json:"targetUserId"`
		IntentIDs      []string `json:"intentIds"`
		CharacterLimit int      `json:"characterLimit,omitempty"`
	}{
		TargetUserID:   p.TargetUserID,
		IntentIDs:      p.IntentIDs,
		CharacterLimit: p.CharacterLimit,
	}

	var out SynthesizeResult
	err := c.doJSON(ctx, http.MethodPost, c.cfg.APIURL+"/discover/synthesize", upstreamBearer, req, &out, c.cfg.APITimeout)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
