// Package authclient is the front-end side of the auth IPC protocol.
//
// A Client numbers outgoing commands from an atomic counter, writes them
// framed under a write mutex, and parks each caller on a one-shot channel
// until the reader goroutine delivers the response carrying the matching
// command id. Responses may arrive in any order.
package authclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/quillnotes/quill/internal/authproto"
	"github.com/quillnotes/quill/internal/logger"
)

// Errors surfaced by Client calls.
var (
	// ErrInvalidCredentials mirrors the wire-level invalid-credentials
	// response: unknown user, wrong password, or unknown refresh token.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInternal mirrors the wire-level internal error. Details live in the
	// auth sub-daemon's log, never here.
	ErrInternal = errors.New("auth internal error")

	// ErrClosed is returned once the connection is torn down.
	ErrClosed = errors.New("auth client closed")
)

// Credentials is a successful login or refresh result.
type Credentials struct {
	AccessToken  string
	RefreshToken []byte
}

// Client multiplexes requests over a single duplex connection to the auth
// sub-daemon. Safe for concurrent use.
type Client struct {
	conn    io.ReadWriteCloser
	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *authproto.Response

	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// New wraps conn and starts the response reader.
func New(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan *authproto.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close tears the connection down and fails all pending calls.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.readErr = cause
		close(c.done)
		_ = c.conn.Close()
	})
}

// readLoop pops and fulfills pending handles as responses arrive. A
// response with an unknown command id means the two sides disagree about
// the protocol state; that is fatal for the connection.
func (c *Client) readLoop() {
	for {
		resp, err := authproto.ReadResponse(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("auth client read failed", logger.KeyError, err)
			}
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.CommandID]
		if ok {
			delete(c.pending, resp.CommandID)
		}
		c.mu.Unlock()

		if !ok {
			logger.Error("auth client received response for unknown command id",
				logger.KeyCommandID, resp.CommandID)
			c.shutdown(fmt.Errorf("%w: unknown command id %d", ErrClosed, resp.CommandID))
			return
		}
		if ch == nil {
			// Tombstone left by a cancelled caller. The id was still ours,
			// so correlation holds; the late response is simply dropped.
			logger.Debug("discarding response for abandoned command",
				logger.KeyCommandID, resp.CommandID)
			continue
		}
		ch <- resp
	}
}

// execute sends one command and awaits its correlated response.
func (c *Client) execute(ctx context.Context, payload authproto.CommandPayload) (*authproto.Response, error) {
	id := c.nextID.Add(1)
	ch := make(chan *authproto.Response, 1)

	c.mu.Lock()
	if _, collision := c.pending[id]; collision {
		// The id space is 64-bit; a collision means the counter wrapped
		// with a request still in flight and the invariants are gone.
		c.mu.Unlock()
		return nil, fmt.Errorf("command id %d already in flight", id)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := authproto.WriteCommand(c.conn, &authproto.Command{CommandID: id, Payload: payload})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("sending command %d: %w", id, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, c.readErr
	case <-ctx.Done():
		// The command is already on the wire, so its response is still
		// coming. Deleting the entry would make that response look like a
		// protocol violation and tear the connection down; leave a nil
		// tombstone for readLoop to match and discard instead.
		c.mu.Lock()
		if _, waiting := c.pending[id]; waiting {
			c.pending[id] = nil
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Login authenticates username/password and returns fresh credentials.
func (c *Client) Login(ctx context.Context, username, password string) (*Credentials, error) {
	resp, err := c.execute(ctx, &authproto.LoginRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	p, ok := resp.Payload.(*authproto.LoginResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response payload %T", resp.Payload)
	}
	return credentialsFromResult(p.Ok, p.Err)
}

// Refresh exchanges a refresh token for rotated credentials.
func (c *Client) Refresh(ctx context.Context, username string, refreshToken []byte) (*Credentials, error) {
	resp, err := c.execute(ctx, &authproto.RefreshTokenRequest{Username: username, RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}
	p, ok := resp.Payload.(*authproto.RefreshTokenResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response payload %T", resp.Payload)
	}
	return credentialsFromResult(p.Ok, p.Err)
}

// Logout destroys the session. Unknown sessions still succeed.
func (c *Client) Logout(ctx context.Context, sessionID uuid.UUID) error {
	raw, err := sessionID.MarshalBinary()
	if err != nil {
		return err
	}
	resp, err := c.execute(ctx, &authproto.LogoutRequest{SessionID: raw})
	if err != nil {
		return err
	}
	p, ok := resp.Payload.(*authproto.LogoutResponse)
	if !ok {
		return fmt.Errorf("unexpected response payload %T", resp.Payload)
	}
	if p.Error != nil {
		return ErrInternal
	}
	return nil
}

func credentialsFromResult(ok *authproto.SuccessfulLogin, errCode *authproto.LoginError) (*Credentials, error) {
	if ok != nil {
		return &Credentials{AccessToken: ok.AccessToken, RefreshToken: ok.RefreshToken}, nil
	}
	if errCode != nil && *errCode == authproto.LoginInvalidCredentials {
		return nil, ErrInvalidCredentials
	}
	return nil, ErrInternal
}
