// Package authn resolves an authenticated request to the caller's identity
// context: {userID, role, entityID}. Token issuance, password handling and
// OTP delivery live outside this service; all this package sees is a bearer
// token whose hash is stored alongside the user.
package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"consentdesk/pkg/domain"
	"consentdesk/pkg/httpx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrEntitySuspended = errors.New("associated entity is suspended")
)

type Identity struct {
	UserID   string
	FullName string
	Email    string
	Role     domain.Role
	EntityID string // empty for principals and admins
}

// AuthenticateBearer resolves the Authorization header against api_tokens
// joined to an active user. Suspended users never authenticate.
func AuthenticateBearer(ctx context.Context, db *pgxpool.Pool, authorization string) (*Identity, error) {
	token, ok := parseBearerToken(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}
	tokenHash := HashToken(token)
	var out Identity
	var entityID *string
	err := db.QueryRow(ctx, `
SELECT u.user_id,u.full_name,u.email,u.role,u.entity_id
FROM api_tokens t
JOIN users u ON u.user_id=t.user_id
WHERE t.token_hash=$1
  AND t.revoked_at IS NULL
  AND u.status='ACTIVE'
`, tokenHash).Scan(&out.UserID, &out.FullName, &out.Email, &out.Role, &entityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if entityID != nil {
		out.EntityID = *entityID
	}
	return &out, nil
}

// RequireActiveEntity rejects callers bound to a suspended data entity. A
// suspended fiduciary must not act on the consents it owns.
func RequireActiveEntity(ctx context.Context, db *pgxpool.Pool, id *Identity) error {
	if id.EntityID == "" {
		return nil
	}
	var status domain.EntityStatus
	err := db.QueryRow(ctx, `SELECT status FROM data_entities WHERE entity_id=$1`, id.EntityID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrEntitySuspended
		}
		return err
	}
	if status != domain.EntityActive {
		return ErrEntitySuspended
	}
	return nil
}

type contextKey struct{}

func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok
}

// Middleware authenticates every request and performs the active-user and
// active-entity guards before any core operation runs.
func Middleware(db *pgxpool.Pool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := AuthenticateBearer(r.Context(), db, r.Header.Get("Authorization"))
			if err != nil {
				if errors.Is(err, ErrUnauthorized) {
					LogAuthFailure(r.Context(), db, r.URL.Path, "", "BAD_TOKEN", nil)
					httpx.WriteError(w, 401, "UNAUTHORIZED", "invalid or missing bearer token", nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if err := RequireActiveEntity(r.Context(), db, id); err != nil {
				if errors.Is(err, ErrEntitySuspended) {
					LogAuthFailure(r.Context(), db, r.URL.Path, id.UserID, "ENTITY_SUSPENDED", map[string]any{"entity_id": id.EntityID})
					httpx.WriteError(w, 403, "ENTITY_SUSPENDED", "associated entity is suspended", nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), id)))
		})
	}
}

// RequireRole gates a subtree to the given roles.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "no identity in context", nil)
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.WriteError(w, 403, "FORBIDDEN", "insufficient role permissions", nil)
		})
	}
}

// RequireEntity gates a subtree to callers bound to a data entity. Role
// alone is not enough for entity-scoped endpoints.
func RequireEntity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, 401, "UNAUTHORIZED", "no identity in context", nil)
			return
		}
		if id.EntityID == "" {
			httpx.WriteError(w, 400, "MISSING_CONTEXT", "Missing fiduciary context", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LogAuthFailure audits a denied request. Best effort only; an audit write
// never fails the request it describes.
func LogAuthFailure(ctx context.Context, db *pgxpool.Pool, endpoint, userID, reason string, details map[string]any) {
	b, _ := json.Marshal(details)
	_, _ = db.Exec(ctx, `
INSERT INTO auth_failures(endpoint,user_id,reason,details)
VALUES($1,NULLIF($2,''),$3,$4::jsonb)
`, endpoint, userID, reason, string(b))
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
