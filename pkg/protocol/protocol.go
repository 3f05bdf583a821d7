// Package protocol holds the wire-level vocabulary shared by the HTTP
// transports: header names, supported protocol revisions, the JSON-RPC error
// taxonomy and a server-sent events writer.
package protocol

import "slices"

// Header names used on the MCP HTTP surface.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
)

// Query parameter names.
const (
	// QuerySessionID is the fallback session identifier carrier for clients
	// that cannot set headers (browser EventSource) and for the legacy
	// message endpoint.
	QuerySessionID = "sessionId"
)

// Media types.
const (
	MediaTypeJSON        = "application/json"
	MediaTypeEventStream = "text/event-stream"
)

// JSONRPCVersion is the only envelope version accepted.
const JSONRPCVersion = "2.0"

// Method names the transports need to recognize.
const (
	MethodInitialize        = "initialize"
	MethodNotifyCancelled   = "notifications/cancelled"
	MethodNotifyProgress    = "notifications/progress"
	MethodNotifyInitialized = "notifications/initialized"
)

// Protocol revisions, newest first.
const (
	Version20251125 = "2025-11-25"
	Version20250618 = "2025-06-18"
	Version20250326 = "2025-03-26"
	Version20241105 = "2024-11-05"
)

// DefaultProtocolVersion is assumed when a client omits the version header.
const DefaultProtocolVersion = Version20250326

var supportedVersions = []string{
	Version20251125,
	Version20250618,
	Version20250326,
	Version20241105,
}

// SupportedVersions returns the accepted protocol revisions, newest first.
func SupportedVersions() []string {
	return slices.Clone(supportedVersions)
}

// IsSupportedVersion reports whether v is an accepted protocol revision.
func IsSupportedVersion(v string) bool {
	return slices.Contains(supportedVersions, v)
}
