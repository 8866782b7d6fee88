package dispatch

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillnotes/quill/internal/auth/identity"
	"github.com/quillnotes/quill/internal/auth/sessiondb"
	"github.com/quillnotes/quill/internal/authproto"
)

// stubHandler returns canned responses and optionally parks Login calls on
// a gate so a command can be held in flight.
type stubHandler struct {
	loginGate chan struct{}

	mu         sync.Mutex
	loginCalls int
}

func (s *stubHandler) Login(username identity.Username, password string) *authproto.LoginResponse {
	s.mu.Lock()
	s.loginCalls++
	s.mu.Unlock()
	if s.loginGate != nil {
		<-s.loginGate
	}
	return &authproto.LoginResponse{Ok: &authproto.SuccessfulLogin{
		AccessToken:  "token-for-" + username.String(),
		RefreshToken: make([]byte, 16),
	}}
}

func (s *stubHandler) Refresh(username identity.Username, refreshToken sessiondb.RefreshToken) *authproto.RefreshTokenResponse {
	code := authproto.LoginInvalidCredentials
	return &authproto.RefreshTokenResponse{Err: &code}
}

func (s *stubHandler) Logout(sessionID uuid.UUID) *authproto.LogoutResponse {
	return &authproto.LogoutResponse{}
}

func (s *stubHandler) logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCalls
}

func startDispatcher(t *testing.T, h Handler) (net.Conn, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	done := make(chan error, 1)
	go func() {
		done <- New(server, h).Run(context.Background())
	}()
	return client, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not shut down")
		return nil
	}
}

func TestCommandRoundTrip(t *testing.T) {
	client, done := startDispatcher(t, &stubHandler{})

	require.NoError(t, authproto.WriteCommand(client, &authproto.Command{
		CommandID: 7,
		Payload:   &authproto.LoginRequest{Username: "alice", Password: "hunter2"},
	}))

	resp, err := authproto.ReadResponse(client)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.CommandID)
	login, ok := resp.Payload.(*authproto.LoginResponse)
	require.True(t, ok)
	require.NotNil(t, login.Ok)
	assert.Equal(t, "token-for-alice", login.Ok.AccessToken)

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestDuplicateInFlightIDIsDropped(t *testing.T) {
	h := &stubHandler{loginGate: make(chan struct{})}
	client, done := startDispatcher(t, h)

	cmd := &authproto.Command{
		CommandID: 1,
		Payload:   &authproto.LoginRequest{Username: "alice", Password: "hunter2"},
	}
	require.NoError(t, authproto.WriteCommand(client, cmd))

	// First command parked on the gate, so the duplicate is read while the
	// id is still in flight.
	require.Eventually(t, func() bool { return h.logins() == 1 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, authproto.WriteCommand(client, cmd))

	// A third command with a fresh id still gets serviced.
	sid, _ := uuid.New().MarshalBinary()
	require.NoError(t, authproto.WriteCommand(client, &authproto.Command{
		CommandID: 2,
		Payload:   &authproto.LogoutRequest{SessionID: sid},
	}))

	resp, err := authproto.ReadResponse(client)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.CommandID)

	close(h.loginGate)
	resp, err = authproto.ReadResponse(client)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.CommandID)
	assert.Equal(t, 1, h.logins(), "duplicate id must not reach the handler")

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestCleanEOFShutsDown(t *testing.T) {
	client, done := startDispatcher(t, &stubHandler{})
	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestUndecodableCommandIsSkipped(t *testing.T) {
	client, done := startDispatcher(t, &stubHandler{})

	// Valid frame, garbage protobuf.
	require.NoError(t, authproto.WriteFrame(client, []byte{0xff, 0xff, 0xff}))

	sid, _ := uuid.New().MarshalBinary()
	require.NoError(t, authproto.WriteCommand(client, &authproto.Command{
		CommandID: 3,
		Payload:   &authproto.LogoutRequest{SessionID: sid},
	}))

	resp, err := authproto.ReadResponse(client)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), resp.CommandID)

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestOversizedFrameIsFatal(t *testing.T) {
	client, done := startDispatcher(t, &stubHandler{})

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], authproto.MaxMessageSize+1)
	_, err := client.Write(header[:])
	require.NoError(t, err)

	assert.Error(t, waitDone(t, done))
}

func TestUnmappableSessionIDProducesNoResponse(t *testing.T) {
	client, done := startDispatcher(t, &stubHandler{})

	require.NoError(t, authproto.WriteCommand(client, &authproto.Command{
		CommandID: 4,
		Payload:   &authproto.LogoutRequest{SessionID: []byte{1, 2, 3}},
	}))

	// The only response on the wire belongs to the follow-up command.
	sid, _ := uuid.New().MarshalBinary()
	require.NoError(t, authproto.WriteCommand(client, &authproto.Command{
		CommandID: 5,
		Payload:   &authproto.LogoutRequest{SessionID: sid},
	}))

	resp, err := authproto.ReadResponse(client)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), resp.CommandID)

	require.NoError(t, client.Close())
	assert.NoError(t, waitDone(t, done))
}
