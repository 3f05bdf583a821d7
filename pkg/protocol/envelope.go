package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// envelope is the subset of a JSON-RPC message checked before decoding.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  *string         `json:"method"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 4 << 20

// ReadBody reads at most maxBytes of r's body and decodes it with
// DecodeBody. w may be nil; when set, the server is told to close the
// connection after an oversized body.
func ReadBody(w http.ResponseWriter, r *http.Request, maxBytes int64) (*Messages, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, NewBodyTooLargeError(maxBytes)
		}
		return nil, NewInvalidRequestError("reading body: " + err.Error())
	}
	return DecodeBody(body)
}

// DecodeBody validates and decodes a POST body. The body must be one
// JSON-RPC object or a non-empty array of them; each must declare version
// "2.0", requests must name a method and responses must carry an id and a
// result or an error. Malformed JSON yields NewParseError, everything else
// NewInvalidRequestError.
func DecodeBody(body []byte) (*Messages, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, NewInvalidRequestError("empty body")
	}
	if !json.Valid(trimmed) {
		return nil, NewParseError("body is not valid JSON")
	}

	var raws []json.RawMessage
	batch := trimmed[0] == '['
	if batch {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, NewParseError(err.Error())
		}
		if len(raws) == 0 {
			return nil, NewInvalidRequestError("empty batch")
		}
	} else {
		raws = []json.RawMessage{trimmed}
	}

	out := &Messages{Items: make([]jsonrpc.Message, 0, len(raws)), Batch: batch}
	for i, raw := range raws {
		msg, err := decodeOne(raw)
		if err != nil {
			if batch {
				return nil, NewInvalidRequestError(fmt.Sprintf("message %d: %s", i, err.Message))
			}
			return nil, err
		}
		out.Items = append(out.Items, msg)
	}
	return out, nil
}

func decodeOne(raw json.RawMessage) (jsonrpc.Message, *Error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, NewInvalidRequestError("message must be a JSON object")
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewInvalidRequestError(err.Error())
	}
	if env.JSONRPC != JSONRPCVersion {
		return nil, NewInvalidRequestError(`jsonrpc must be "2.0"`)
	}
	switch {
	case env.Method != nil:
		if *env.Method == "" {
			return nil, NewInvalidRequestError("method must not be empty")
		}
	case isNull(env.ID):
		return nil, NewInvalidRequestError("message has neither method nor id")
	case len(env.Result) == 0 && len(env.Error) == 0:
		return nil, NewInvalidRequestError("response has neither result nor error")
	}

	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, NewInvalidRequestError(err.Error())
	}
	return msg, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// BatchingSupported reports whether a protocol revision allows JSON-RPC
// batches. Batching was removed in 2025-06-18.
func BatchingSupported(version string) bool {
	return version < Version20250618
}

// Accepts reports whether an Accept header admits mediaType, either exactly
// or through a type or full wildcard. Entries with q=0 are ignored.
func Accepts(header, mediaType string) bool {
	major, _, _ := strings.Cut(mediaType, "/")
	for part := range strings.SplitSeq(header, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if q, ok := params["q"]; ok && strings.Trim(q, "0.") == "" {
			continue
		}
		if mt == mediaType || mt == "*/*" || mt == major+"/*" {
			return true
		}
	}
	return false
}

// IsJSONContentType reports whether a Content-Type header names JSON.
func IsJSONContentType(header string) bool {
	mt, _, err := mime.ParseMediaType(header)
	return err == nil && mt == MediaTypeJSON
}
