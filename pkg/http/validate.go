package http

import (
	"errors"
	"net/http"

	"github.com/txn2/mcp-portainer/pkg/protocol"
)

// version resolves the protocol version header. A missing header means the
// configured default; an unsupported one is rejected.
func (c *Chain) version(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := r.Header.Get(protocol.HeaderProtocolVersion)
		if v == "" {
			v = c.cfg.DefaultVersion
		} else if !protocol.IsSupportedVersion(v) {
			c.reject(w, r, StageVersion, protocol.NewUnsupportedVersionError(v))
			return
		}
		next.ServeHTTP(w, r.WithContext(protocol.WithVersion(r.Context(), v)))
	})
}

// accept requires POST clients to take both JSON and event-stream replies.
func (c *Chain) accept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			a := r.Header.Get("Accept")
			if !protocol.Accepts(a, protocol.MediaTypeJSON) || !protocol.Accepts(a, protocol.MediaTypeEventStream) {
				c.reject(w, r, StageAccept, protocol.NewNotAcceptableError())
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Chain) contentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && !protocol.IsJSONContentType(r.Header.Get("Content-Type")) {
			c.reject(w, r, StageContentType, protocol.NewUnsupportedMediaTypeError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// envelope reads and validates POST bodies. Decoded messages travel in the
// request context. Batches are refused on revisions that removed them.
func (c *Chain) envelope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		msgs, err := protocol.ReadBody(w, r, c.cfg.MaxBodyBytes)
		if err != nil {
			var rpcErr *protocol.Error
			if !errors.As(err, &rpcErr) {
				rpcErr = protocol.NewInvalidRequestError(err.Error())
			}
			c.reject(w, r, StageEnvelope, rpcErr)
			return
		}

		v := protocol.VersionFromContext(r.Context())
		if msgs.Batch && !protocol.BatchingSupported(v) {
			c.reject(w, r, StageEnvelope,
				protocol.NewInvalidRequestError("JSON-RPC batching is not supported in protocol version "+v))
			return
		}

		next.ServeHTTP(w, r.WithContext(protocol.WithMessages(r.Context(), msgs)))
	})
}
