// Package auth resolves the actor behind a request.
//
// Identity model:
//   - X-Actor-ID and X-Actor-Role are asserted by the upstream gateway
//   - the operator role also needs X-Admin-Secret to match ADMIN_SECRET
//   - the system role also needs X-Service-Key to match SERVICE_KEY
//
// Credentials are compared as SHA-256 digests in constant time and are
// never logged.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/trustwork/escrowd/internal/ledger"
)

// Header names
const (
	HeaderActorID     = "X-Actor-ID"
	HeaderActorRole   = "X-Actor-Role"
	HeaderAdminSecret = "X-Admin-Secret"
	HeaderServiceKey  = "X-Service-Key"
)

// Errors
var (
	ErrNoActor        = errors.New("actor identity required")
	ErrInvalidRole    = errors.New("unknown actor role")
	ErrBadCredentials = errors.New("credential missing or invalid")
)

// maxActorIDLen bounds X-Actor-ID; ids are uuids or short provider refs.
const maxActorIDLen = 128

// Authenticator checks privileged credentials.
type Authenticator struct {
	adminHash   []byte
	serviceHash []byte
}

// New creates an authenticator. An empty secret disables that role.
func New(adminSecret, serviceKey string) *Authenticator {
	return &Authenticator{
		adminHash:   hashSecret(adminSecret),
		serviceHash: hashSecret(serviceKey),
	}
}

// Resolve returns the actor asserted by h.
func (a *Authenticator) Resolve(h http.Header) (ledger.Actor, error) {
	id := strings.TrimSpace(h.Get(HeaderActorID))
	role := ledger.Role(strings.ToLower(strings.TrimSpace(h.Get(HeaderActorRole))))

	switch {
	case id == "":
		return ledger.Actor{}, ErrNoActor
	case len(id) > maxActorIDLen || id == ledger.OperatorsRecipient:
		return ledger.Actor{}, fmt.Errorf("%w: invalid actor id", ErrNoActor)
	case !role.Valid():
		return ledger.Actor{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	switch role {
	case ledger.RoleOperator:
		if !matches(a.adminHash, h.Get(HeaderAdminSecret)) {
			return ledger.Actor{}, fmt.Errorf("%w: %s", ErrBadCredentials, HeaderAdminSecret)
		}
	case ledger.RoleSystem:
		if !matches(a.serviceHash, h.Get(HeaderServiceKey)) {
			return ledger.Actor{}, fmt.Errorf("%w: %s", ErrBadCredentials, HeaderServiceKey)
		}
	}
	return ledger.Actor{ID: id, Role: role}, nil
}

func hashSecret(s string) []byte {
	if s == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func matches(want []byte, presented string) bool {
	if want == nil || presented == "" {
		return false
	}
	got := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(want, got[:]) == 1
}
