package handlers

import (
	"errors"
	"net/http"

	"github.com/nkiryanov/campusauth/internal/apperrors"
	"github.com/nkiryanov/campusauth/internal/handlers/cookies"
	"github.com/nkiryanov/campusauth/internal/handlers/render"
	"github.com/nkiryanov/campusauth/internal/logger"
	"github.com/nkiryanov/campusauth/internal/models"
	"github.com/nkiryanov/campusauth/internal/service/auth"
	"github.com/nkiryanov/campusauth/internal/service/captcha"
	"github.com/nkiryanov/campusauth/internal/service/fingerprint"
)

// Security events written to the log by the auth endpoints
const (
	eventLoginSuccess    = "USER_LOGIN_SUCCESS"
	eventLoginFailed     = "LOGIN_FAILED"
	eventRegistered      = "USER_REGISTERED"
	eventRefreshMissing  = "REFRESH_TOKEN_MISSING"
	eventRefreshFailed   = "REFRESH_TOKEN_FAILED"
	eventRefreshSuccess  = "TOKEN_REFRESH_SUCCESS"
	eventLogout          = "USER_LOGOUT"
	eventSessionsRevoked = "SESSIONS_REVOKED"
)

type sessionData struct {
	User      models.Profile `json:"user"`
	SessionID string         `json:"sessionId"`
}

type sessionResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    sessionData `json:"data"`
}

func newSessionResponse(message string, issued models.IssuedSession) sessionResponse {
	return sessionResponse{
		Success: true,
		Message: message,
		Data:    sessionData{User: issued.User.Profile(), SessionID: issued.SessionID},
	}
}

func securityLog(l logger.Logger, event string, meta models.RequestMeta, args ...any) logger.Logger {
	return l.With(append([]any{"event", event, "ip", meta.IP, "user_agent", meta.UserAgent}, args...)...)
}

func handleLogin(s authService, jar cookies.Jar, l logger.Logger) http.Handler {
	type request struct {
		Username     string `json:"username" validate:"required,max=50"`
		Password     string `json:"password" validate:"required,max=72"`
		CaptchaToken string `json:"hcaptchaToken"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		meta := fingerprint.Meta(r)
		issued, err := s.Login(r.Context(), auth.Credentials{
			Username:     data.Username,
			Password:     data.Password,
			CaptchaToken: data.CaptchaToken,
		}, meta)

		var captchaErr *captcha.ServiceError
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrHumanVerificationFailed):
			securityLog(l, eventLoginFailed, meta, "username", data.Username).Info("Human verification failed")
			render.Fail(w, "Human verification failed", http.StatusBadRequest)
			return
		case errors.As(err, &captchaErr):
			l.Error("Human verification service unavailable", "error", err)
			render.Fail(w, "Human verification is temporarily unavailable", http.StatusServiceUnavailable)
			return
		case errors.Is(err, apperrors.ErrInvalidCredentials):
			securityLog(l, eventLoginFailed, meta, "username", data.Username).Warn("Invalid credentials")
			render.Fail(w, "Invalid username or password", http.StatusUnauthorized)
			return
		default:
			l.Error("Login failed", "error", err)
			render.Fail(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		securityLog(l, eventLoginSuccess, meta, "user_id", issued.User.ID, "session_id", issued.SessionID).Info("User logged in")
		jar.SetTokens(w, issued.Tokens)
		render.JSON(w, newSessionResponse("Login successful", issued))
	})
}

func handleRegister(s authService, jar cookies.Jar, l logger.Logger) http.Handler {
	type request struct {
		Username string `json:"username" validate:"required,min=2,max=50,username"`
		Password string `json:"password" validate:"required,min=8,max=72"`
		Nickname string `json:"nickname" validate:"max=50"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		meta := fingerprint.Meta(r)
		issued, err := s.Register(r.Context(), auth.Registration{
			Username: data.Username,
			Password: data.Password,
			Nickname: data.Nickname,
		}, meta)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrUserAlreadyExists):
			render.Fail(w, "User already exists", http.StatusConflict)
			return
		default:
			l.Error("Registration failed", "error", err)
			render.Fail(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		securityLog(l, eventRegistered, meta, "user_id", issued.User.ID).Info("User registered")
		jar.SetTokens(w, issued.Tokens)
		render.JSONStatus(w, newSessionResponse("Registration successful", issued), http.StatusCreated)
	})
}

func handleRefresh(s sessionService, jar cookies.Jar, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := fingerprint.Meta(r)

		token, ok := cookies.Refresh(r)
		if !ok {
			securityLog(l, eventRefreshMissing, meta).Info("Refresh token missing")
			jar.Clear(w)
			render.Fail(w, "Refresh token not found", http.StatusUnauthorized)
			return
		}

		issued, err := s.Refresh(r.Context(), token, meta)
		if err != nil {
			log := securityLog(l, eventRefreshFailed, meta, "error", err)
			if errors.Is(err, apperrors.ErrRefreshReplay) {
				log.Warn("Refresh token reused")
			} else {
				log.Info("Refresh failed")
			}

			jar.Clear(w)
			render.Fail(w, "Invalid refresh token", http.StatusUnauthorized)
			return
		}

		securityLog(l, eventRefreshSuccess, meta, "user_id", issued.User.ID, "session_id", issued.SessionID).Info("Tokens refreshed")
		jar.SetTokens(w, issued.Tokens)
		render.JSON(w, render.Result{Success: true, Message: "Tokens refreshed"})
	})
}

func handleVerify(s sessionService, users userProfiles, l logger.Logger) http.Handler {
	type response struct {
		Success bool           `json:"success"`
		User    models.Profile `json:"user"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := cookies.Access(r)
		if !ok {
			render.Fail(w, "Not authenticated", http.StatusUnauthorized)
			return
		}

		res, err := s.VerifyAccessToken(r.Context(), token)
		if err != nil {
			l.Debug("Access token rejected", "error", err)
			render.Fail(w, "Not authenticated", http.StatusUnauthorized)
			return
		}

		user, err := users.GetUserByID(r.Context(), res.Claims.UserID)
		if err != nil {
			l.Error("Failed to load verified user", "user_id", res.Claims.UserID, "error", err)
			render.Fail(w, "Not authenticated", http.StatusUnauthorized)
			return
		}

		render.JSON(w, response{Success: true, User: user.Profile()})
	})
}

func handleLogout(s sessionService, jar cookies.Jar, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, _ := cookies.Access(r)
		refresh, _ := cookies.Refresh(r)

		meta := fingerprint.Meta(r)
		if err := s.LogoutTokens(r.Context(), access, refresh); err != nil {
			l.Debug("Logout without a live session", "error", err)
		} else {
			securityLog(l, eventLogout, meta).Info("User logged out")
		}

		jar.Clear(w)
		render.JSON(w, render.Result{Success: true, Message: "Logged out"})
	})
}
