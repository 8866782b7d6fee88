package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillnotes/quill/internal/auth/sessiondb"
	"github.com/quillnotes/quill/internal/auth/token"
	"github.com/quillnotes/quill/pkg/authclient"
)

// stubAuth fakes the auth sub-daemon behind the REST surface.
type stubAuth struct {
	issuer    *token.Issuer
	sessionID uuid.UUID
	refresh   sessiondb.RefreshToken
	password  string

	loggedOut []uuid.UUID
}

func (s *stubAuth) creds(username string) (*authclient.Credentials, error) {
	now := time.Now().UTC().Truncate(time.Second)
	access, err := s.issuer.Issue(s.sessionID, username, now, now.Add(15*time.Minute))
	if err != nil {
		return nil, err
	}
	return &authclient.Credentials{AccessToken: access, RefreshToken: s.refresh.Bytes()}, nil
}

func (s *stubAuth) Login(_ context.Context, username, password string) (*authclient.Credentials, error) {
	if password != s.password {
		return nil, authclient.ErrInvalidCredentials
	}
	return s.creds(username)
}

func (s *stubAuth) Refresh(_ context.Context, username string, refreshToken []byte) (*authclient.Credentials, error) {
	if !bytes.Equal(refreshToken, s.refresh.Bytes()) {
		return nil, authclient.ErrInvalidCredentials
	}
	return s.creds(username)
}

func (s *stubAuth) Logout(_ context.Context, sessionID uuid.UUID) error {
	s.loggedOut = append(s.loggedOut, sessionID)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubAuth) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	refresh, err := sessiondb.NewRefreshToken()
	require.NoError(t, err)

	stub := &stubAuth{
		issuer:    token.NewIssuer(priv),
		sessionID: uuid.New(),
		refresh:   refresh,
		password:  "hunter2",
	}
	srv := httptest.NewServer(NewRouter(stub, token.NewVerifier(pub)))
	t.Cleanup(srv.Close)
	return srv, stub
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginSuccess(t *testing.T) {
	srv, stub := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/auth/login",
		LoginRequest{Username: "alice", Password: "hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[TokenResponse](t, resp)
	assert.NotEmpty(t, body.AccessToken)
	assert.Equal(t, stub.refresh.Encode(), body.RefreshToken)
	assert.Equal(t, "Bearer", body.TokenType)
	assert.InDelta(t, 15*60, body.ExpiresIn, 5)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/auth/login",
		LoginRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/auth/login", LoginRequest{Username: "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefreshRoundTrip(t *testing.T) {
	srv, stub := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/auth/refresh",
		RefreshRequest{Username: "alice", RefreshToken: stub.refresh.Encode()})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[TokenResponse](t, resp)
	assert.NotEmpty(t, body.AccessToken)
}

func TestRefreshRejectsMalformedToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/auth/refresh",
		RefreshRequest{Username: "alice", RefreshToken: "not-base64!!"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogoutUsesBearerSession(t *testing.T) {
	srv, stub := newTestServer(t)

	login := postJSON(t, srv.URL+"/api/v1/auth/login",
		LoginRequest{Username: "alice", Password: "hunter2"})
	require.Equal(t, http.StatusOK, login.StatusCode)
	creds := decodeBody[TokenResponse](t, login)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/auth/logout", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, stub.loggedOut, 1)
	assert.Equal(t, stub.sessionID, stub.loggedOut[0])
}

func TestLogoutRejectsGarbageToken(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/auth/logout", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer garbage")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMeReportsTokenIdentity(t *testing.T) {
	srv, stub := newTestServer(t)

	login := postJSON(t, srv.URL+"/api/v1/auth/login",
		LoginRequest{Username: "alice", Password: "hunter2"})
	creds := decodeBody[TokenResponse](t, login)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	me := decodeBody[MeResponse](t, resp)
	assert.Equal(t, "alice", me.Username)
	assert.Equal(t, stub.sessionID.String(), me.SessionID)
}
