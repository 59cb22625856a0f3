package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/tournabot/engine/models"
)

type contextKey string

const actorContextKey contextKey = "actor"

// Имена claims в токенах ботов-интеграций.
const (
	jwtClaimActorKind = "actor_kind"
	jwtClaimActorID   = "actor_id"
)

// Authenticator извлекает субъекта запроса: либо админский ключ в
// заголовке X-Admin-Key (сверяется с bcrypt-хешем), либо JWT с парой
// actor_kind/actor_id.
type Authenticator struct {
	jwtSecret    []byte
	adminKeyHash string
}

func NewAuthenticator(jwtSecret, adminKeyHash string) *Authenticator {
	return &Authenticator{jwtSecret: []byte(jwtSecret), adminKeyHash: adminKeyHash}
}

func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-Admin-Key"); key != "" {
			if a.adminKeyHash == "" ||
				bcrypt.CompareHashAndPassword([]byte(a.adminKeyHash), []byte(key)) != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			actor := models.ActorRef{Kind: models.ActorAdmin, ID: "admin-key"}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
			return
		}

		actor, err := a.actorFromBearer(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func (a *Authenticator) actorFromBearer(header string) (models.ActorRef, error) {
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return models.ActorRef{}, fmt.Errorf("missing bearer token")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return models.ActorRef{}, err
	}

	kind, _ := claims[jwtClaimActorKind].(string)
	id, _ := claims[jwtClaimActorID].(string)
	if id == "" {
		return models.ActorRef{}, fmt.Errorf("missing '%s' claim", jwtClaimActorID)
	}
	switch models.ActorKind(kind) {
	case models.ActorUser, models.ActorTeam, models.ActorAdmin:
		return models.ActorRef{Kind: models.ActorKind(kind), ID: id}, nil
	default:
		return models.ActorRef{}, fmt.Errorf("invalid '%s' claim: %q", jwtClaimActorKind, kind)
	}
}

// RequireAdmin пропускает только админских субъектов.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok || !actor.IsAdmin() {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withActor(ctx context.Context, actor models.ActorRef) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext возвращает субъекта, положенного Authenticate.
func ActorFromContext(ctx context.Context) (models.ActorRef, bool) {
	actor, ok := ctx.Value(actorContextKey).(models.ActorRef)
	return actor, ok
}
