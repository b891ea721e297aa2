package middleware

import (
	"log/slog"
	"net/http"
)

// TokenVerifier resolves a signed identity token to the identity it names.
type TokenVerifier func(tokenString string) (identity string, err error)

// NewAuthMiddleware binds an identity to the upgrade request when the client
// presents a token, either as a `token` query parameter or a session-token
// cookie. Auth is optional here: a client with no token connects anonymously
// and binds its identity with a register event instead. A token that is
// present but invalid is rejected outright.
func NewAuthMiddleware(logger *slog.Logger, verify TokenVerifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				if cookie, err := r.Cookie("session-token"); err == nil {
					tokenString = cookie.Value
				}
			}
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}

			identity, err := verify(tokenString)
			if err != nil {
				logger.Warn("Invalid identity token presented",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.UserID = identity
			next.ServeHTTP(w, r)
		})
	}
}
