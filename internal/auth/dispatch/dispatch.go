// Package dispatch runs the auth sub-daemon's IPC loop.
//
// One goroutine owns the read half of the socket and decodes framed
// commands; every command is handled on its own goroutine so slow work
// (Argon2, file I/O) never blocks the loop. Responses are written back under
// a mutex because frames must not interleave. Correlation is by command id;
// responses may be emitted in any order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/quillnotes/quill/internal/auth/identity"
	"github.com/quillnotes/quill/internal/auth/sessiondb"
	"github.com/quillnotes/quill/internal/authproto"
	"github.com/quillnotes/quill/internal/logger"
)

// Handler executes the semantic side of a command. Implemented by
// handlers.Handler.
type Handler interface {
	Login(username identity.Username, password string) *authproto.LoginResponse
	Refresh(username identity.Username, refreshToken sessiondb.RefreshToken) *authproto.RefreshTokenResponse
	Logout(sessionID uuid.UUID) *authproto.LogoutResponse
}

// Dispatcher multiplexes commands from a single duplex stream.
type Dispatcher struct {
	conn    io.ReadWriter
	handler Handler

	writeMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[uint64]struct{}

	wg sync.WaitGroup
}

// New creates a Dispatcher over conn.
func New(conn io.ReadWriter, handler Handler) *Dispatcher {
	return &Dispatcher{
		conn:     conn,
		handler:  handler,
		inflight: make(map[uint64]struct{}),
	}
}

// Run reads commands until EOF or a fatal framing error. Clean EOF at a
// frame boundary returns nil. Handlers already started are allowed to
// finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := authproto.ReadFrame(d.conn)
		if errors.Is(err, io.EOF) {
			logger.Info("ipc stream closed, dispatcher shutting down",
				logger.KeyComponent, "dispatch")
			return nil
		}
		if err != nil {
			// Framing errors are unrecoverable: the stream cannot
			// resynchronize.
			return fmt.Errorf("ipc framing: %w", err)
		}

		cmd, err := authproto.UnmarshalCommand(frame)
		if err != nil {
			logger.Warn("dropping undecodable command",
				logger.KeyComponent, "dispatch", logger.KeyError, err)
			continue
		}

		if !d.track(cmd.CommandID) {
			logger.Warn("dropping command with duplicate in-flight id",
				logger.KeyComponent, "dispatch", logger.KeyCommandID, cmd.CommandID)
			continue
		}

		d.wg.Add(1)
		go d.handle(cmd)
	}
}

// track pins a command id as in-flight. Returns false on duplicates.
func (d *Dispatcher) track(id uint64) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, dup := d.inflight[id]; dup {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) untrack(id uint64) {
	d.inflightMu.Lock()
	delete(d.inflight, id)
	d.inflightMu.Unlock()
}

// handle maps the wire payload to semantic types, runs the matching
// handler, and writes the correlated response. Mapping failures are logged
// and produce no response.
func (d *Dispatcher) handle(cmd *authproto.Command) {
	defer d.wg.Done()
	defer d.untrack(cmd.CommandID)

	var payload authproto.ResponsePayload
	switch req := cmd.Payload.(type) {
	case *authproto.LoginRequest:
		username, err := identity.ParseUsername(req.Username)
		if err != nil {
			logger.Warn("bad login request", logger.KeyCommandID, cmd.CommandID, logger.KeyError, err)
			return
		}
		payload = d.handler.Login(username, req.Password)

	case *authproto.RefreshTokenRequest:
		username, err := identity.ParseUsername(req.Username)
		if err != nil {
			logger.Warn("bad refresh request", logger.KeyCommandID, cmd.CommandID, logger.KeyError, err)
			return
		}
		tok, err := sessiondb.ParseRefreshToken(req.RefreshToken)
		if err != nil {
			logger.Warn("bad refresh request", logger.KeyCommandID, cmd.CommandID, logger.KeyError, err)
			return
		}
		payload = d.handler.Refresh(username, tok)

	case *authproto.LogoutRequest:
		sessionID, err := uuid.FromBytes(req.SessionID)
		if err != nil {
			logger.Warn("bad logout request", logger.KeyCommandID, cmd.CommandID, logger.KeyError, err)
			return
		}
		payload = d.handler.Logout(sessionID)

	default:
		logger.Warn("unknown command variant", logger.KeyCommandID, cmd.CommandID)
		return
	}

	d.writeMu.Lock()
	err := authproto.WriteResponse(d.conn, &authproto.Response{
		CommandID: cmd.CommandID,
		Payload:   payload,
	})
	d.writeMu.Unlock()
	if err != nil {
		logger.Error("failed to write response",
			logger.KeyComponent, "dispatch", logger.KeyCommandID, cmd.CommandID, logger.KeyError, err)
	}
}
