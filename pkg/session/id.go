package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"

	"github.com/txn2/mcp-portainer/pkg/auth"
)

// maxIDAttempts bounds the retry loop in NewID.
const maxIDAttempts = 8

// NewID returns a random UUIDv4 identifier for which taken reports false.
// taken may be nil. It is used to keep identifiers unique across several
// session namespaces.
func NewID(taken func(id string) bool) string {
	id := uuid.NewString()
	for i := 0; taken != nil && taken(id) && i < maxIDAttempts; i++ {
		id = uuid.NewString()
	}
	return id
}

// OwnerFromRequest derives an opaque owner key from the request credentials.
// Anonymous requests yield "".
func OwnerFromRequest(r *http.Request) string {
	token := auth.TokenFromRequest(r)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// OwnerMatches reports whether a request may use a session created by owner.
// Anonymous sessions are usable by anyone.
func OwnerMatches(owner string, r *http.Request) bool {
	return owner == "" || owner == OwnerFromRequest(r)
}
