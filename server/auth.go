package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfeidau/selectify"
	"github.com/wolfeidau/selectify/telemetry"
)

type userIDKey struct{}

// Claims are the JWT claims accepted on authenticated routes. The user id is
// taken from sub, falling back to userId.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// authMiddleware returns middleware that requires a valid HS256 Bearer token
// and stores the caller's user id in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	secret := []byte(s.config.JWTSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			s.unauthorizedResponse(w, r, errors.New("missing bearer token"))
			return
		}

		userID, err := verifyToken(strings.TrimPrefix(auth, "Bearer "), secret)
		if err != nil {
			s.unauthorizedResponse(w, r, err)
			return
		}

		telemetry.SetUserID(r, userID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func verifyToken(raw string, secret []byte) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return "", errors.New("token has no user id")
	}
	return userID, nil
}

// userIDFrom returns the user id set by authMiddleware.
func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

func (s *Server) unauthorizedResponse(w http.ResponseWriter, r *http.Request, cause error) {
	s.logger.Debug("request not authorized", "path", r.URL.Path, "error", cause)
	w.Header().Set("WWW-Authenticate", "Bearer")
	s.writeError(w, r, &selectify.Error{Code: selectify.CodeUnauthorized, Op: "server.auth", Msg: "unauthorized", Err: cause})
}
