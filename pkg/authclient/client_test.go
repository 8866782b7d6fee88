package authclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillnotes/quill/internal/authproto"
)

func newTestClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	c := New(clientConn)
	t.Cleanup(func() {
		_ = c.Close()
		_ = serverConn.Close()
	})
	return c, serverConn
}

func okLogin(id uint64) *authproto.Response {
	return &authproto.Response{
		CommandID: id,
		Payload: &authproto.LoginResponse{Ok: &authproto.SuccessfulLogin{
			AccessToken:  "access",
			RefreshToken: make([]byte, 16),
		}},
	}
}

func TestLoginRoundTrip(t *testing.T) {
	c, server := newTestClient(t)

	go func() {
		cmd, err := authproto.ReadCommand(server)
		if err != nil {
			return
		}
		req, ok := cmd.Payload.(*authproto.LoginRequest)
		if !ok || req.Username != "alice" || req.Password != "hunter2" {
			return
		}
		_ = authproto.WriteResponse(server, okLogin(cmd.CommandID))
	}()

	creds, err := c.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "access", creds.AccessToken)
	assert.Len(t, creds.RefreshToken, 16)
}

func TestInvalidCredentialsMapped(t *testing.T) {
	c, server := newTestClient(t)

	go func() {
		cmd, err := authproto.ReadCommand(server)
		if err != nil {
			return
		}
		code := authproto.LoginInvalidCredentials
		_ = authproto.WriteResponse(server, &authproto.Response{
			CommandID: cmd.CommandID,
			Payload:   &authproto.LoginResponse{Err: &code},
		})
	}()

	_, err := c.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestOutOfOrderResponses(t *testing.T) {
	c, server := newTestClient(t)

	// Collect both commands first, then answer them in reverse order.
	go func() {
		first, err := authproto.ReadCommand(server)
		if err != nil {
			return
		}
		second, err := authproto.ReadCommand(server)
		if err != nil {
			return
		}
		_ = authproto.WriteResponse(server, okLogin(second.CommandID))
		_ = authproto.WriteResponse(server, okLogin(first.CommandID))
	}()

	type result struct {
		creds *Credentials
		err   error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			creds, err := c.Login(context.Background(), "alice", "hunter2")
			results <- result{creds, err}
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			assert.Equal(t, "access", r.creds.AccessToken)
		case <-time.After(5 * time.Second):
			t.Fatal("login did not complete")
		}
	}
}

func TestLogout(t *testing.T) {
	c, server := newTestClient(t)
	sid := uuid.New()

	go func() {
		cmd, err := authproto.ReadCommand(server)
		if err != nil {
			return
		}
		req, ok := cmd.Payload.(*authproto.LogoutRequest)
		if !ok {
			return
		}
		got, err := uuid.FromBytes(req.SessionID)
		if err != nil || got != sid {
			return
		}
		_ = authproto.WriteResponse(server, &authproto.Response{
			CommandID: cmd.CommandID,
			Payload:   &authproto.LogoutResponse{},
		})
	}()

	assert.NoError(t, c.Logout(context.Background(), sid))
}

func TestContextCancellation(t *testing.T) {
	c, server := newTestClient(t)

	// Server swallows the command and never answers.
	go func() { _, _ = authproto.ReadCommand(server) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Login(ctx, "alice", "hunter2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelledCallLeavesClientUsable(t *testing.T) {
	c, server := newTestClient(t)

	firstRead := make(chan uint64, 1)
	abandoned := make(chan struct{})

	go func() {
		first, err := authproto.ReadCommand(server)
		if err != nil {
			return
		}
		firstRead <- first.CommandID
		<-abandoned
		// Answer the abandoned call late, then service the next one.
		_ = authproto.WriteResponse(server, okLogin(first.CommandID))
		second, err := authproto.ReadCommand(server)
		if err != nil {
			return
		}
		_ = authproto.WriteResponse(server, okLogin(second.CommandID))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-firstRead
		cancel()
	}()
	_, err := c.Login(ctx, "alice", "hunter2")
	require.ErrorIs(t, err, context.Canceled)
	close(abandoned)

	// The late response must be discarded, not treated as an unknown id.
	creds, err := c.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "access", creds.AccessToken)
}

func TestUnknownResponseIDClosesClient(t *testing.T) {
	c, server := newTestClient(t)

	go func() {
		if _, err := authproto.ReadCommand(server); err != nil {
			return
		}
		_ = authproto.WriteResponse(server, okLogin(9999))
	}()

	_, err := c.Login(context.Background(), "alice", "hunter2")
	assert.ErrorIs(t, err, ErrClosed)

	// The client is unusable afterwards.
	_, err = c.Refresh(context.Background(), "alice", make([]byte, 16))
	assert.Error(t, err)
}

func TestPeerCloseFailsPendingCalls(t *testing.T) {
	c, server := newTestClient(t)

	go func() {
		if _, err := authproto.ReadCommand(server); err != nil {
			return
		}
		_ = server.Close()
	}()

	_, err := c.Login(context.Background(), "alice", "hunter2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClosed))
}
