// Package dispatcher wires the orchestrator's discover-connections workflow
// to the MCP tool-call transport, enforcing bearer authentication and scope
// requirements and translating orchestrator errors into protocol-level tool
// results, including the reauth signal.
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/privybridge/authbridge/internal/apierr"
	"github.com/privybridge/authbridge/internal/logger"
	"github.com/privybridge/authbridge/pkg/oauthserver"
	"github.com/privybridge/authbridge/pkg/orchestrator"
	"github.com/privybridge/authbridge/pkg/store"
)

const (
	toolNameDiscoverConnections = "discover_connections"
	requiredScope               = "read"

	reauthMessage = "Your connection has expired. Please sign in again."
)

// Orchestrator is the subset of orchestrator.Orchestrator the dispatcher
// depends on, so tests can substitute a fake.
type Orchestrator interface {
	DiscoverConnections(ctx context.Context, oauthBearer, inputText string, maxConnections, characterLimit int) (*orchestrator.DiscoverConnectionsResult, error)
}

// Dispatcher bundles the collaborators needed to serve discover_connections
// over MCP: the auth server (for bearer validation and reauth side effects)
// and the orchestrator.
type Dispatcher struct {
	auth         *oauthserver.Server
	repos        *store.Repositories
	orchestrator Orchestrator
	resourceURL  string
}

// New constructs a Dispatcher.
func New(auth *oauthserver.Server, repos *store.Repositories, orch Orchestrator, resourceMetadataURL string) *Dispatcher {
	return &Dispatcher{auth: auth, repos: repos, orchestrator: orch, resourceURL: resourceMetadataURL}
}

// discoverConnectionsArgs is the JSON input schema of the discover_connections tool.
type discoverConnectionsArgs struct {
	InputText       string `json:"inputText"`
	MaxConnections  int    `json:"maxConnections,omitempty"`
	CharacterLimit  int    `json:"characterLimit,omitempty"`
}

// Handler builds an http.Handler serving the MCP JSON-RPC transport at
// /mcp, with every request's Authorization header validated by the OAuth
// server's bearer middleware before it reaches a tool handler.
func (d *Dispatcher) Handler() http.Handler {
	mcpServer := server.NewMCPServer("authbridge", "1.0.0", server.WithToolCapabilities(false))

	mcpServer.AddTool(
		mcp.NewTool(toolNameDiscoverConnections,
			mcp.WithDescription("Discover people the caller shares intents with, synthesizing a connection summary for each"),
			mcp.WithString("inputText", mcp.Required(), mcp.Description("Free-form text describing what the caller is looking for")),
			mcp.WithNumber("maxConnections", mcp.Description("Maximum number of connections to return (default 10, max 50)")),
			mcp.WithNumber("characterLimit", mcp.Description("Character limit for each connection's synthesis")),
		),
		d.handleDiscoverConnections,
	)

	streamable := server.NewStreamableHTTPServer(
		mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(d.attachClaims),
	)
	return streamable
}

// attachClaims runs bearer validation for every MCP request and stashes the
// resulting claims on the context the tool handler will receive. A failure
// here is recorded on the context rather than written directly to the
// response, since WithHTTPContextFunc has no handler-abort mechanism; the
// tool handler rejects the call once it observes no claims are present.
func (d *Dispatcher) attachClaims(ctx context.Context, r *http.Request) context.Context {
	var capturedCtx context.Context
	d.auth.RequireBearer(requiredScope)(http.HandlerFunc(func(_ http.ResponseWriter, req *http.Request) {
		capturedCtx = req.Context()
	})).ServeHTTP(noopResponseWriter{}, r)
	if capturedCtx != nil {
		return capturedCtx
	}
	return ctx
}

func (d *Dispatcher) handleDiscoverConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	claims, ok := oauthserver.ClaimsFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("unauthorized: missing or invalid bearer token"), nil
	}

	var args discoverConnectionsArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse arguments: %v", err)), nil
	}
	if args.InputText == "" {
		return mcp.NewToolResultError("inputText is required"), nil
	}
	maxConnections := args.MaxConnections
	if maxConnections <= 0 {
		maxConnections = 10
	}

	result, err := d.orchestrator.DiscoverConnections(ctx, claims.Token, args.InputText, maxConnections, args.CharacterLimit)
	if err != nil {
		return d.translateError(ctx, claims, err), nil
	}

	summary := fmt.Sprintf("Found %d connection(s) across %d intent(s).", len(result.Connections), len(result.Intents))
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(summary)},
		StructuredContent: result,
	}, nil
}

// stageErrorMessage maps err to a stable, short string identifying the
// stage that failed. It never surfaces err.Error(), since that renders
// internal apierr/upstream details a tool caller has no business seeing.
func stageErrorMessage(err error) string {
	e, ok := apierr.As(err)
	if !ok {
		return "discover_connections failed: internal error"
	}
	switch e.Kind {
	case apierr.KindUpstreamError:
		return "discover_connections failed: upstream request failed"
	case apierr.KindUpstreamTimeout:
		return "discover_connections failed: upstream request timed out"
	case apierr.KindStorageError:
		return "discover_connections failed: internal storage error"
	default:
		return "discover_connections failed: internal error"
	}
}

// translateError implements the two-part reauth signal for
// UpstreamTokenInvalid and a plain in-band error for everything else.
func (d *Dispatcher) translateError(ctx context.Context, claims *oauthserver.AuthenticatedClaims, err error) *mcp.CallToolResult {
	if !apierr.IsUpstreamTokenInvalid(err) {
		return mcp.NewToolResultError(stageErrorMessage(err))
	}

	now := time.Now()
	if markErr := d.repos.AccessTokenSessions.MarkUpstreamInvalid(ctx, claims.JTI, now); markErr != nil {
		logger.Errorw("failed to quarantine access token session", "jti", claims.JTI, "error", markErr)
	}
	if _, revokeErr := d.repos.RefreshTokens.RevokeAllForUser(ctx, claims.ClientID, claims.UserID, now); revokeErr != nil {
		logger.Errorw("failed to revoke refresh tokens for user", "clientId", claims.ClientID, "userId", claims.UserID, "error", revokeErr)
	}

	challenge := fmt.Sprintf(`Bearer resource_metadata=%q, error="invalid_token", error_description=%q`, d.resourceURL, reauthMessage)
	return &mcp.CallToolResult{
		Result: mcp.Result{
			Meta: &mcp.Meta{
				AdditionalFields: map[string]any{
					"mcp/www_authenticate": []string{challenge},
				},
			},
		},
		IsError: true,
		Content: []mcp.Content{mcp.NewTextContent(reauthMessage)},
	}
}

// noopResponseWriter discards writes; attachClaims only needs the request
// context RequireBearer produces on success, not a response.
type noopResponseWriter struct{}

func (noopResponseWriter) Header() http.Header        { return http.Header{} }
func (noopResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (noopResponseWriter) WriteHeader(int)             {}
