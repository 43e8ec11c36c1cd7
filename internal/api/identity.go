package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hackgods/slot-allocation/internal/appointment"
)

const actorKey contextKey = "actor"

// Claims carries the caller identity. The subject is the requester id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subject with role, valid for ttl.
func IssueToken(secret, subject string, role appointment.Role, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (appointment.Actor, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return appointment.Actor{}, err
	}
	if claims.Subject == "" {
		return appointment.Actor{}, errors.New("token has no subject")
	}

	role, err := appointment.ParseRole(claims.Role)
	if err != nil {
		return appointment.Actor{}, err
	}
	return appointment.Actor{ID: claims.Subject, Role: role}, nil
}

// IdentityMiddleware resolves the caller from a Bearer token. When
// devHeaders is set, X-User-ID and X-User-Role are trusted as well. Requests
// without credentials pass through anonymously; handlers that need an
// identity call requireActor.
func IdentityMiddleware(secret string, devHeaders bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				actor appointment.Actor
				err   error
				found bool
			)

			switch auth := r.Header.Get("Authorization"); {
			case auth != "":
				scheme, token, ok := strings.Cut(auth, " ")
				if !ok || !strings.EqualFold(scheme, "Bearer") || secret == "" {
					writeError(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header")
					return
				}
				actor, err = parseToken(secret, strings.TrimSpace(token))
				found = true
			case devHeaders && r.Header.Get("X-User-ID") != "":
				var role appointment.Role
				role, err = appointment.ParseRole(r.Header.Get("X-User-Role"))
				actor = appointment.Actor{ID: r.Header.Get("X-User-ID"), Role: role}
				found = true
			}

			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", fmt.Sprintf("invalid identity: %v", err))
				return
			}
			if found {
				r = r.WithContext(context.WithValue(r.Context(), actorKey, actor))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromContext returns the identity attached by IdentityMiddleware.
func ActorFromContext(ctx context.Context) (appointment.Actor, bool) {
	a, ok := ctx.Value(actorKey).(appointment.Actor)
	return a, ok
}

func requireActor(w http.ResponseWriter, r *http.Request) (appointment.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
	}
	return actor, ok
}
