// Package authgate authenticates tenant API requests against API-key
// credentials. Unlike the dashboard's JWT-based Authenticate middleware in
// internal/api, every credential is a long-lived secret stored as an unsalted
// SHA-256 digest, so the check is a prefix lookup followed by a constant-time digest
// compare rather than a signature verification.
package authgate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

// Scope names the permission level a credential carries. ADMIN subsumes
// WRITE, and WRITE subsumes READ.
type Scope string

const (
	ScopeRead  Scope = "READ"
	ScopeWrite Scope = "WRITE"
	ScopeAdmin Scope = "ADMIN"
)

var scopeRank = map[Scope]int{ScopeRead: 0, ScopeWrite: 1, ScopeAdmin: 2}

// Satisfies reports whether a credential carrying scope s may perform an
// operation that requires scope required.
func (s Scope) Satisfies(required Scope) bool {
	return scopeRank[s] >= scopeRank[required]
}

// keyPrefix is the fixed literal prefix every issued API key starts with,
// distinguishing it at a glance from a dashboard JWT.
const keyPrefix = "ek_live_"

// prefixLen is how many characters after keyPrefix are stored unencrypted as
// db.Credential.Prefix, used to narrow the lookup before a digest compare.
const prefixLen = 8

// Principal is the authenticated identity attached to the request context
// after a successful Gate check.
type Principal struct {
	TenantID     string
	CredentialID string
	Scope        Scope
}

type contextKey int

const principalKey contextKey = iota

// WithPrincipal returns a context carrying p, retrievable via FromContext.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext retrieves the Principal stored by Gate, or false if absent.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Gate authenticates API-key-bearing requests and enforces each tenant's
// optional IP allowlist.
type Gate struct {
	credentials repositories.CredentialRepository
	tenants     repositories.TenantRepository
	logger      *zap.Logger

	// touch is a buffered channel of credential ids whose LastUsedAt should be
	// updated. A single goroutine drains it so TouchLastUsed never blocks the
	// request path on a database write.
	touch chan touchRequest
}

type touchRequest struct {
	id uuid.UUID
	at time.Time
}

// New creates a Gate and starts its background touch-draining goroutine.
// Callers must not call Close until the process is shutting down.
func New(credentials repositories.CredentialRepository, tenants repositories.TenantRepository, logger *zap.Logger) *Gate {
	g := &Gate{
		credentials: credentials,
		tenants:     tenants,
		logger:      logger.Named("authgate"),
		touch:       make(chan touchRequest, 256),
	}
	go g.drainTouches()
	return g
}

func (g *Gate) drainTouches() {
	for req := range g.touch {
		if err := g.credentials.TouchLastUsed(context.Background(), req.id, req.at); err != nil {
			g.logger.Warn("failed to record credential last-used time", zap.String("credential_id", req.id.String()), zap.Error(err))
		}
	}
}

// Close stops accepting new touch requests. The drain goroutine exits once
// the channel is empty.
func (g *Gate) Close() {
	close(g.touch)
}

// Authenticate parses the Authorization header, resolves the credential, and
// returns the Principal to attach to the request context. It returns
// ErrMissingKey, ErrInvalidKey, ErrRevoked, or ErrIPDenied for rejected
// credentials; a repository failure while looking up the credential or its
// tenant is returned unchanged, and the HTTP layer maps any other error to an
// internal error.
func (g *Gate) Authenticate(ctx context.Context, authHeader, remoteAddr string) (Principal, error) {
	token, ok := parseBearer(authHeader)
	if !ok || !strings.HasPrefix(token, keyPrefix) {
		return Principal{}, ErrMissingKey
	}
	rest := token[len(keyPrefix):]
	if len(rest) <= prefixLen {
		return Principal{}, ErrInvalidKey
	}
	prefix := rest[:prefixLen]

	candidates, err := g.credentials.ListByPrefix(ctx, prefix)
	if err != nil {
		return Principal{}, err
	}

	digest := sha256.Sum256([]byte(rest))
	digestHex := hex.EncodeToString(digest[:])
	var matched *db.Credential
	for i := range candidates {
		if subtle.ConstantTimeCompare([]byte(candidates[i].SecretDigest), []byte(digestHex)) == 1 {
			matched = &candidates[i]
			break
		}
	}
	if matched == nil {
		return Principal{}, ErrInvalidKey
	}
	if matched.RevokedAt != nil {
		return Principal{}, ErrRevoked
	}

	tenant, err := g.tenants.GetByID(ctx, matched.TenantID)
	if err != nil {
		return Principal{}, err
	}
	if tenant.Suspended {
		return Principal{}, ErrRevoked
	}
	if !ipAllowed(tenant.IPAllowlist, remoteAddr) {
		return Principal{}, ErrIPDenied
	}

	select {
	case g.touch <- touchRequest{id: matched.ID, at: time.Now()}:
	default:
		// Touch queue is full; skip this update rather than block the request.
	}

	return Principal{
		TenantID:     matched.TenantID.String(),
		CredentialID: matched.ID.String(),
		Scope:        Scope(matched.Scope),
	}, nil
}

// secretLen is how many random hex characters follow keyPrefix in a newly
// minted key (128 bits of entropy); the first prefixLen of them double as
// the lookup prefix.
const secretLen = 32

// GeneratedKey is the plaintext material returned at credential-creation
// time. Plaintext and Prefix are shown to the caller exactly once; Digest is
// what gets persisted to db.Credential.
type GeneratedKey struct {
	Plaintext string
	Prefix    string
	Digest    string
}

// GenerateKey mints a new ek_live_-prefixed API key. The caller persists
// Prefix and Digest on the db.Credential row and returns Plaintext to the
// client exactly once — it is never stored or recoverable afterward.
func GenerateKey() (GeneratedKey, error) {
	raw := make([]byte, secretLen/2)
	if _, err := rand.Read(raw); err != nil {
		return GeneratedKey{}, fmt.Errorf("authgate: generate key: %w", err)
	}
	rest := hex.EncodeToString(raw)
	prefix := rest[:prefixLen]
	digest := sha256.Sum256([]byte(rest))
	return GeneratedKey{
		Plaintext: keyPrefix + rest,
		Prefix:    prefix,
		Digest:    hex.EncodeToString(digest[:]),
	}, nil
}

func parseBearer(header string) (string, bool) {
	const p = "Bearer "
	if !strings.HasPrefix(header, p) {
		return "", false
	}
	return strings.TrimSpace(header[len(p):]), true
}

// ipAllowed reports whether remoteAddr matches allowlist, a JSON array of
// CIDR blocks or bare IPs (db.Tenant.IPAllowlist's wire format). An empty
// array means every address is permitted.
func ipAllowed(allowlist, remoteAddr string) bool {
	var entries []string
	if err := json.Unmarshal([]byte(allowlist), &entries); err != nil || len(entries) == 0 {
		return true
	}

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if net.ParseIP(entry).Equal(ip) {
				return true
			}
			continue
		}
		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// RequireScope returns a chi-compatible middleware that enforces the
// Principal already attached to the request context (by the credential-gate
// middleware in internal/api) carries at least the given scope.
func RequireScope(required Scope, onForbidden func(http.ResponseWriter)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok || !p.Scope.Satisfies(required) {
				onForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
