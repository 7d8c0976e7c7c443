package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"imagegen-payment-api/models"
	"imagegen-payment-api/services/auth"
	"imagegen-payment-api/utils"
)

type contextKey string

const UserContextKey contextKey = "user"

type TokenValidator interface {
	ValidateToken(token string) (*models.AuthUser, error)
}

var _ TokenValidator = (*auth.JWTService)(nil)

// AuthMiddleware requires a valid bearer token and puts the user in the
// request context.
func AuthMiddleware(validator TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				utils.SendErrorResponse(w, http.StatusUnauthorized, "Missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
				utils.SendErrorResponse(w, http.StatusUnauthorized, "Invalid authorization header format")
				return
			}

			user, err := validator.ValidateToken(strings.TrimSpace(parts[1]))
			if err != nil {
				logger.Info("token validation failed",
					zap.String("remote_addr", r.RemoteAddr),
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)

				message := "Authentication failed"
				switch {
				case errors.Is(err, auth.ErrTokenExpired):
					message = "Token expired"
				case errors.Is(err, auth.ErrInvalidToken):
					message = "Invalid token"
				}
				utils.SendErrorResponse(w, http.StatusUnauthorized, message)
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithUser returns ctx carrying user. Handlers read it back with GetUserFromContext.
func WithUser(ctx context.Context, user *models.AuthUser) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

func GetUserFromContext(ctx context.Context) *models.AuthUser {
	user, ok := ctx.Value(UserContextKey).(*models.AuthUser)
	if !ok {
		return nil
	}
	return user
}
