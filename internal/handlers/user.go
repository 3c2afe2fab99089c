package handlers

import (
	"net/http"

	"github.com/nkiryanov/campusauth/internal/handlers/cookies"
	"github.com/nkiryanov/campusauth/internal/handlers/render"
	"github.com/nkiryanov/campusauth/internal/handlers/userctx"
	"github.com/nkiryanov/campusauth/internal/logger"
	"github.com/nkiryanov/campusauth/internal/service/fingerprint"
)

func handleUserMe(users userProfiles, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := userctx.FromContext(r.Context())

		user, err := users.GetUserByID(r.Context(), claims.UserID)
		if err != nil {
			l.Error("Failed to load user", "user_id", claims.UserID, "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		render.JSON(w, user.Profile())
	})
}

// Revoke every session of the caller, this one included
func handleRevokeAll(s sessionService, users userProfiles, jar cookies.Jar, l logger.Logger) http.Handler {
	type response struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Revoked int64  `json:"revoked"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := userctx.FromContext(r.Context())

		revoked, err := s.RevokeAll(r.Context(), claims.UserID)
		if err != nil {
			l.Error("Failed to revoke sessions", "user_id", claims.UserID, "error", err)
			render.Fail(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		users.Invalidate(claims.UserID)
		securityLog(l, eventSessionsRevoked, fingerprint.Meta(r), "user_id", claims.UserID, "revoked", revoked).Warn("All sessions revoked")
		jar.Clear(w)
		render.JSON(w, response{Success: true, Message: "All sessions revoked", Revoked: revoked})
	})
}
