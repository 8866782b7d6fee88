// Package handlers implements the auth sub-daemon's command policy: login,
// refresh-token, and logout. It glues the user store, the session store, and
// the token issuer together and translates every internal failure into the
// enumerated wire errors — details are logged here and never leak to the
// client.
package handlers

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quillnotes/quill/internal/auth/identity"
	"github.com/quillnotes/quill/internal/auth/sessiondb"
	"github.com/quillnotes/quill/internal/auth/token"
	"github.com/quillnotes/quill/internal/auth/userdb"
	"github.com/quillnotes/quill/internal/authproto"
	"github.com/quillnotes/quill/internal/logger"
	"github.com/quillnotes/quill/internal/metrics"
)

// AccessTTL is the lifetime of issued access tokens (and therefore the
// expiry written into fresh and refreshed sessions).
const AccessTTL = 15 * time.Minute

// Handler executes auth commands. Safe for concurrent use: each underlying
// store carries its own locking.
type Handler struct {
	users    *userdb.Store
	sessions *sessiondb.Store
	issuer   *token.Issuer
	now      func() time.Time
}

// New creates a Handler over the given stores and issuer.
func New(users *userdb.Store, sessions *sessiondb.Store, issuer *token.Issuer) *Handler {
	return &Handler{
		users:    users,
		sessions: sessions,
		issuer:   issuer,
		now:      time.Now,
	}
}

func loginErr(code authproto.LoginError) *authproto.LoginResponse {
	return &authproto.LoginResponse{Err: &code}
}

func refreshErr(code authproto.LoginError) *authproto.RefreshTokenResponse {
	return &authproto.RefreshTokenResponse{Err: &code}
}

// Login checks the credentials and, on success, mints a session plus an
// access token bound to it.
func (h *Handler) Login(username identity.Username, password string) *authproto.LoginResponse {
	ok, err := h.users.CheckCredentials(username, password)
	if err != nil {
		logger.Error("login: credential check failed",
			logger.KeyUsername, username, logger.KeyError, err)
		metrics.Logins.WithLabelValues(metrics.ResultInternal).Inc()
		return loginErr(authproto.LoginInternalError)
	}
	if !ok {
		metrics.Logins.WithLabelValues(metrics.ResultInvalid).Inc()
		return loginErr(authproto.LoginInvalidCredentials)
	}

	now := h.now().UTC().Truncate(time.Second)
	sess, err := h.sessions.CreateSession(username, now, now.Add(AccessTTL))
	if err != nil {
		logger.Error("login: failed to create session",
			logger.KeyUsername, username, logger.KeyError, err)
		metrics.Logins.WithLabelValues(metrics.ResultInternal).Inc()
		return loginErr(authproto.LoginInternalError)
	}

	access, err := h.issuer.Issue(sess.ID, username.String(), now, sess.ExpiresAt)
	if err != nil {
		logger.Error("login: failed to issue access token",
			logger.KeyUsername, username, logger.KeySessionID, sess.ID, logger.KeyError, err)
		metrics.Logins.WithLabelValues(metrics.ResultInternal).Inc()
		return loginErr(authproto.LoginInternalError)
	}

	logger.Info("login succeeded", logger.KeyUsername, username, logger.KeySessionID, sess.ID)
	metrics.Logins.WithLabelValues(metrics.ResultOK).Inc()
	return &authproto.LoginResponse{Ok: &authproto.SuccessfulLogin{
		AccessToken:  access,
		RefreshToken: sess.RefreshToken.Bytes(),
	}}
}

// Refresh exchanges a refresh token for a rotated token and a fresh access
// token. The token must belong to a session owned by the named user.
func (h *Handler) Refresh(username identity.Username, refreshToken sessiondb.RefreshToken) *authproto.RefreshTokenResponse {
	sess, ok := h.sessions.GetSessionByToken(refreshToken)
	if !ok || sess.Username != username {
		metrics.Refreshes.WithLabelValues(metrics.ResultInvalid).Inc()
		return refreshErr(authproto.LoginInvalidCredentials)
	}

	now := h.now().UTC().Truncate(time.Second)
	refreshed, err := h.sessions.RefreshSession(refreshToken, now.Add(AccessTTL))
	switch {
	case errors.Is(err, sessiondb.ErrSessionNotFound):
		// Raced with a logout or an external rewrite.
		metrics.Refreshes.WithLabelValues(metrics.ResultInvalid).Inc()
		return refreshErr(authproto.LoginInvalidCredentials)
	case err != nil:
		logger.Error("refresh: failed to rotate session",
			logger.KeyUsername, username, logger.KeyError, err)
		metrics.Refreshes.WithLabelValues(metrics.ResultInternal).Inc()
		return refreshErr(authproto.LoginInternalError)
	}

	access, err := h.issuer.Issue(refreshed.ID, username.String(), now, refreshed.ExpiresAt)
	if err != nil {
		logger.Error("refresh: failed to issue access token",
			logger.KeyUsername, username, logger.KeySessionID, refreshed.ID, logger.KeyError, err)
		metrics.Refreshes.WithLabelValues(metrics.ResultInternal).Inc()
		return refreshErr(authproto.LoginInternalError)
	}

	logger.Info("session refreshed", logger.KeyUsername, username, logger.KeySessionID, refreshed.ID)
	metrics.Refreshes.WithLabelValues(metrics.ResultOK).Inc()
	return &authproto.RefreshTokenResponse{Ok: &authproto.SuccessfulLogin{
		AccessToken:  access,
		RefreshToken: refreshed.RefreshToken.Bytes(),
	}}
}

// Logout destroys the session. Logging out a session that does not exist is
// still a success; it only earns a warn log.
func (h *Handler) Logout(sessionID uuid.UUID) *authproto.LogoutResponse {
	existed, err := h.sessions.DeleteSession(sessionID)
	if err != nil {
		logger.Error("logout: failed to delete session",
			logger.KeySessionID, sessionID, logger.KeyError, err)
		code := authproto.LogoutInternalError
		return &authproto.LogoutResponse{Error: &code}
	}
	if !existed {
		logger.Warn("logout of nonexistent session", logger.KeySessionID, sessionID)
	} else {
		logger.Info("logout succeeded", logger.KeySessionID, sessionID)
	}
	metrics.Logouts.Inc()
	return &authproto.LogoutResponse{}
}
