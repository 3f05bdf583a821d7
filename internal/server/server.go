// Package server builds the RPC engine that each new session is connected
// to, together with the tools it exposes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-portainer/pkg/audit"
	"github.com/txn2/mcp-portainer/pkg/auth"
	"github.com/txn2/mcp-portainer/pkg/connstate"
	"github.com/txn2/mcp-portainer/pkg/middleware"
	"github.com/txn2/mcp-portainer/pkg/portainer"
	"github.com/txn2/mcp-portainer/pkg/transport"
)

// Version is set at build time.
var Version = "dev"

// DefaultName is the implementation name reported to clients.
const DefaultName = "mcp-portainer"

// Tool names.
const (
	ToolConnectionStatus = "connection_status"
	ToolListEnvironments = "list_environments"
	ToolSessionEvents    = "session_events"
)

// DefaultAdminRole is the principal role that may read every session's
// audit events.
const DefaultAdminRole = "admin"

// ErrNotConnected is returned by tools that need the downstream API while
// it is unavailable.
var ErrNotConnected = errors.New("portainer is not connected")

// Options configures the engine factory.
type Options struct {
	Name         string
	Version      string
	Instructions string

	// Connection is the downstream connection state. Tools that need the
	// API read the client from it.
	Connection *portainer.State

	// Audit, when set, backs the session_events tool.
	Audit audit.Logger

	// Principal is the authenticated caller that created the session, if
	// any. NewFactory fills it from the creating request.
	Principal *auth.Principal

	// AdminRole lets a principal read the audit events of every session.
	// Everyone else sees only their own session. Defaults to
	// DefaultAdminRole.
	AdminRole string

	// Logger receives one record per handled method.
	Logger *slog.Logger
}

// NewFactory returns an engine factory producing one *mcp.Server per
// session.
func NewFactory(opts Options) transport.EngineFactory {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Version == "" {
		opts.Version = Version
	}
	if opts.Connection == nil {
		opts.Connection = connstate.New[*portainer.Client]()
	}

	return func(r *http.Request) *mcp.Server {
		o := opts
		if r != nil {
			o.Principal = auth.PrincipalFromContext(r.Context())
		}
		return New(o)
	}
}

// New creates an engine with every tool registered.
func New(opts Options) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: opts.Name, Version: opts.Version}, &mcp.ServerOptions{
		Instructions: opts.Instructions,
	})
	s.AddReceivingMiddleware(middleware.MCPLoggingMiddleware(opts.Logger))
	t := &tools{conn: opts.Connection}

	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolConnectionStatus,
		Description: "Reports the state of the connection to the Portainer API and its recent transitions.",
	}, t.connectionStatus)

	mcp.AddTool(s, &mcp.Tool{
		Name:        ToolListEnvironments,
		Description: "Lists the environments (endpoints) managed by Portainer. Sends progress per environment when a progress token is supplied.",
	}, t.listEnvironments)

	if opts.Audit != nil {
		mcp.AddTool(s, &mcp.Tool{
			Name:        ToolSessionEvents,
			Description: "Lists recent lifecycle events (created, terminated, expired, heartbeat_failure, shutdown, rejected) of the calling session, or of every session for admins, newest first.",
		}, sessionEvents(opts.Audit, isAdmin(opts.Principal, opts.AdminRole)))
	}

	return s
}

func isAdmin(p *auth.Principal, role string) bool {
	if role == "" {
		role = DefaultAdminRole
	}
	return p != nil && p.AuthType != auth.AuthTypeAnonymous && p.HasRole(role)
}

type tools struct {
	conn *portainer.State
}

// ConnectionStatusInput takes no arguments.
type ConnectionStatusInput struct{}

// TransitionOutput is one recorded state change.
type TransitionOutput struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// ConnectionStatusOutput is the connection_status result.
type ConnectionStatusOutput struct {
	State     string             `json:"state"`
	URL       string             `json:"url,omitempty"`
	LastError string             `json:"last_error,omitempty"`
	History   []TransitionOutput `json:"history"`
}

func (t *tools) connectionStatus(_ context.Context, _ *mcp.CallToolRequest, _ ConnectionStatusInput) (*mcp.CallToolResult, ConnectionStatusOutput, error) {
	stats := t.conn.Stats()
	out := ConnectionStatusOutput{
		State:   string(stats.State),
		History: make([]TransitionOutput, 0, stats.HistoryLength),
	}
	if stats.LastError != nil {
		out.LastError = stats.LastError.Error()
	}
	if c := t.conn.Client(); c != nil {
		out.URL = c.BaseURL()
	}
	for _, tr := range t.conn.History() {
		h := TransitionOutput{From: string(tr.From), To: string(tr.To), At: tr.At}
		if tr.Err != nil {
			h.Error = tr.Err.Error()
		}
		out.History = append(out.History, h)
	}
	return nil, out, nil
}

// ListEnvironmentsInput filters the listing.
type ListEnvironmentsInput struct {
	Status string `json:"status,omitempty" jsonschema:"only list environments with this status: up or down"`
}

// Environment is one listed environment.
type Environment struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status"`
}

// ListEnvironmentsOutput is the list_environments result.
type ListEnvironmentsOutput struct {
	Environments []Environment `json:"environments"`
	Count        int           `json:"count"`
}

func (t *tools) listEnvironments(ctx context.Context, req *mcp.CallToolRequest, in ListEnvironmentsInput) (*mcp.CallToolResult, ListEnvironmentsOutput, error) {
	client := t.conn.Client()
	if t.conn.State() != connstate.Connected || client == nil {
		return nil, ListEnvironmentsOutput{}, ErrNotConnected
	}

	endpoints, err := client.ListEndpoints(ctx)
	if err != nil {
		return nil, ListEnvironmentsOutput{}, fmt.Errorf("listing environments: %w", err)
	}

	token := req.Params.GetProgressToken()
	out := ListEnvironmentsOutput{Environments: make([]Environment, 0, len(endpoints))}
	for i, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			return nil, ListEnvironmentsOutput{}, err
		}
		env := Environment{ID: ep.ID, Name: ep.Name, URL: ep.URL, Status: statusName(ep.Status)}
		if in.Status == "" || in.Status == env.Status {
			out.Environments = append(out.Environments, env)
		}
		if token != nil {
			// Delivery is throttled per token and may drop updates.
			_ = req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
				ProgressToken: token,
				Progress:      float64(i + 1),
				Total:         float64(len(endpoints)),
				Message:       ep.Name,
			})
		}
	}
	out.Count = len(out.Environments)
	return nil, out, nil
}

func statusName(s int) string {
	switch s {
	case portainer.EndpointStatusUp:
		return "up"
	case portainer.EndpointStatusDown:
		return "down"
	default:
		return "unknown"
	}
}
