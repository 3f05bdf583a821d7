package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-portainer/pkg/audit"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// errForeignSession is returned when a caller without the admin role asks
// for another session's events.
var errForeignSession = errors.New("only the calling session's events are visible")

// SessionEventsInput filters the audit log.
type SessionEventsInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"only events of this session"`
	Transport string `json:"transport,omitempty" jsonschema:"only events of this transport: streamable or sse"`
	Type      string `json:"type,omitempty" jsonschema:"only events of this type"`
	Since     string `json:"since,omitempty" jsonschema:"only events newer than this duration, e.g. 15m or 24h"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of events, default 50, at most 500"`
}

// SessionEvent is one audit record.
type SessionEvent struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Transport  string    `json:"transport"`
	At         time.Time `json:"at"`
	Reason     string    `json:"reason,omitempty"`
	LifetimeMS int64     `json:"lifetime_ms,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

// SessionEventsOutput is the session_events result. Summary counts every
// matching event by type, ignoring the limit, when the store supports it.
type SessionEventsOutput struct {
	Events  []SessionEvent `json:"events"`
	Summary map[string]int `json:"summary,omitempty"`
}

// sessionEvents serves the audit log. Unless admin is set the query is
// pinned to the calling session, so no caller learns another session's id
// or address.
func sessionEvents(log audit.Logger, admin bool) mcp.ToolHandlerFor[SessionEventsInput, SessionEventsOutput] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in SessionEventsInput) (*mcp.CallToolResult, SessionEventsOutput, error) {
		filter, err := in.filter(time.Now())
		if err != nil {
			return nil, SessionEventsOutput{}, err
		}
		if !admin {
			own := callerSessionID(req)
			if filter.SessionID != "" && filter.SessionID != own {
				return nil, SessionEventsOutput{}, errForeignSession
			}
			if own == "" {
				return nil, SessionEventsOutput{Events: []SessionEvent{}}, nil
			}
			filter.SessionID = own
		}

		events, err := log.Query(ctx, filter)
		if err != nil {
			return nil, SessionEventsOutput{}, fmt.Errorf("querying audit log: %w", err)
		}
		out := SessionEventsOutput{Events: make([]SessionEvent, 0, len(events))}
		for _, e := range events {
			out.Events = append(out.Events, SessionEvent{
				Type:       string(e.Type),
				SessionID:  e.SessionID,
				Transport:  e.Transport,
				At:         e.Timestamp,
				Reason:     e.Reason,
				LifetimeMS: e.DurationMS,
				RemoteAddr: e.RemoteAddr,
			})
		}

		if sum, ok := log.(audit.Summarizer); ok {
			filter.Limit, filter.Offset = 0, 0
			counts, err := sum.Summary(ctx, filter)
			if err != nil {
				return nil, SessionEventsOutput{}, fmt.Errorf("summarizing audit log: %w", err)
			}
			out.Summary = make(map[string]int, len(counts))
			for typ, n := range counts {
				out.Summary[string(typ)] = n
			}
		}
		return nil, out, nil
	}
}

func callerSessionID(req *mcp.CallToolRequest) string {
	if req == nil || req.Session == nil {
		return ""
	}
	return req.Session.ID()
}

func (in SessionEventsInput) filter(now time.Time) (audit.QueryFilter, error) {
	f := audit.QueryFilter{
		SessionID: in.SessionID,
		Transport: in.Transport,
		Type:      audit.EventType(in.Type),
		Limit:     in.Limit,
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultEventLimit
	case f.Limit > maxEventLimit:
		f.Limit = maxEventLimit
	}
	if in.Since != "" {
		d, err := time.ParseDuration(in.Since)
		if err != nil || d <= 0 {
			return f, fmt.Errorf("invalid since %q: want a positive duration such as 15m", in.Since)
		}
		start := now.Add(-d)
		f.StartTime = &start
	}
	return f, nil
}
