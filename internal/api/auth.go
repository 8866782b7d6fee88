package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillnotes/quill/internal/auth/sessiondb"
	"github.com/quillnotes/quill/internal/auth/token"
	"github.com/quillnotes/quill/internal/logger"
	"github.com/quillnotes/quill/pkg/authclient"
)

// AuthService is the slice of the auth sub-daemon client the handlers need.
// Implemented by authclient.Client.
type AuthService interface {
	Login(ctx context.Context, username, password string) (*authclient.Credentials, error)
	Refresh(ctx context.Context, username string, refreshToken []byte) (*authclient.Credentials, error)
	Logout(ctx context.Context, sessionID uuid.UUID) error
}

// AuthHandler bridges the REST surface to the auth sub-daemon. The front-end
// never sees the signing key; it verifies tokens with the public half only.
type AuthHandler struct {
	auth     AuthService
	verifier *token.Verifier
	now      func() time.Time
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(auth AuthService, verifier *token.Verifier) *AuthHandler {
	return &AuthHandler{auth: auth, verifier: verifier, now: time.Now}
}

// LoginRequest is the request body for POST /api/v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the request body for POST /api/v1/auth/refresh.
type RefreshRequest struct {
	Username     string `json:"username"`
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse is the response body for successful login and refresh.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// MeResponse is the response body for GET /api/v1/auth/me.
type MeResponse struct {
	Username  string    `json:"username"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		badRequest(w, "Username and password are required")
		return
	}

	creds, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	h.writeTokenResponse(w, creds)
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.RefreshToken == "" {
		badRequest(w, "Username and refresh token are required")
		return
	}
	refresh, err := sessiondb.DecodeRefreshToken(req.RefreshToken)
	if err != nil {
		badRequest(w, "Malformed refresh token")
		return
	}

	creds, err := h.auth.Refresh(r.Context(), req.Username, refresh.Bytes())
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	h.writeTokenResponse(w, creds)
}

// Logout handles POST /api/v1/auth/logout. The bearer token only needs a
// valid signature; an expired session can still be logged out.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	data, ok := h.bearerData(w, r)
	if !ok {
		return
	}
	if err := h.auth.Logout(r.Context(), data.SessionID); err != nil {
		logger.Error("logout failed", logger.KeySessionID, data.SessionID, logger.KeyError, err)
		internalError(w, "Logout failed")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// Me handles GET /api/v1/auth/me. Unlike Logout it enforces the token
// window.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	data, ok := h.bearerData(w, r)
	if !ok {
		return
	}
	if !data.Valid(h.now()) {
		unauthorized(w, "Token expired")
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		Username:  data.Username,
		SessionID: data.SessionID.String(),
		ExpiresAt: data.ExpiresAt,
	})
}

// bearerData extracts and verifies the Authorization bearer token. On
// failure it writes a 401 and returns ok=false.
func (h *AuthHandler) bearerData(w http.ResponseWriter, r *http.Request) (token.AccessTokenData, bool) {
	header := r.Header.Get("Authorization")
	compact, found := strings.CutPrefix(header, "Bearer ")
	if !found || compact == "" {
		unauthorized(w, "Missing bearer token")
		return token.AccessTokenData{}, false
	}
	data, err := h.verifier.Verify(compact)
	if err != nil {
		unauthorized(w, "Invalid token")
		return token.AccessTokenData{}, false
	}
	return data, true
}

func (h *AuthHandler) writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, authclient.ErrInvalidCredentials) {
		unauthorized(w, "Invalid credentials")
		return
	}
	logger.Error("auth request failed", logger.KeyError, err)
	internalError(w, "Authentication failed")
}

func (h *AuthHandler) writeTokenResponse(w http.ResponseWriter, creds *authclient.Credentials) {
	// The access token is self-describing; decode it to report the expiry
	// rather than trusting a separately computed clock.
	data, err := h.verifier.Verify(creds.AccessToken)
	if err != nil {
		logger.Error("issued token failed local verification", logger.KeyError, err)
		internalError(w, "Authentication failed")
		return
	}

	refresh, err := sessiondb.ParseRefreshToken(creds.RefreshToken)
	if err != nil {
		logger.Error("issued refresh token malformed", logger.KeyError, err)
		internalError(w, "Authentication failed")
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  creds.AccessToken,
		RefreshToken: refresh.Encode(),
		TokenType:    "Bearer",
		ExpiresIn:    int64(data.ExpiresAt.Sub(h.now()).Seconds()),
		ExpiresAt:    data.ExpiresAt,
	})
}
