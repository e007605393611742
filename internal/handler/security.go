package handler

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/cart"
)

const (
	sessionTokenHeader = "X-Session-Token"
	apiKeyHeader       = "X-API-Key"
	adminScope         = "admin"
	maxSessionToken    = 128
)

type identityKey struct{}

func identityFrom(ctx context.Context) cart.Identity {
	id, _ := ctx.Value(identityKey{}).(cart.Identity)
	return id
}

// identify resolves the caller from the session token and bearer token
// headers. Either may be absent; a bearer token that fails verification is
// rejected rather than treated as anonymous.
func (h *Handler) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id cart.Identity

		if tok := strings.TrimSpace(r.Header.Get(sessionTokenHeader)); tok != "" {
			if len(tok) > maxSessionToken {
				writeError(w, http.StatusBadRequest, "invalid_session_token", "", "session token is too long")
				return
			}
			id.SessionToken = tok
		}

		if authz := r.Header.Get("Authorization"); authz != "" {
			raw, ok := strings.CutPrefix(authz, "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "", "expected a bearer token")
				return
			}
			userID, err := h.Tokens.Verify(strings.TrimSpace(raw))
			if err != nil {
				zctx.From(r.Context()).Debug("Bearer token rejected", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthorized", "", "invalid bearer token")
				return
			}
			id.UserID = userID
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		if id.UserID != "" {
			ctx = zctx.With(ctx, zap.String("user_id", id.UserID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAPIKey admits admin requests carrying a key with the admin scope.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "", "api key required")
			return
		}
		info, err := h.APIKeys.Authenticate(r.Context(), key)
		if err != nil {
			zctx.From(r.Context()).Debug("API key rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized", "", "invalid api key")
			return
		}
		if !slices.Contains(info.Scopes, adminScope) {
			writeError(w, http.StatusForbidden, "forbidden", "", "api key lacks the admin scope")
			return
		}
		ctx := zctx.With(r.Context(), zap.String("api_key", info.Name))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
