package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quillnotes/quill/internal/auth/dispatch"
	"github.com/quillnotes/quill/internal/auth/handlers"
	"github.com/quillnotes/quill/internal/auth/hasher"
	"github.com/quillnotes/quill/internal/auth/sessiondb"
	"github.com/quillnotes/quill/internal/auth/token"
	"github.com/quillnotes/quill/internal/auth/userdb"
	"github.com/quillnotes/quill/internal/logger"
	"github.com/quillnotes/quill/internal/secfile"
	"github.com/quillnotes/quill/internal/watch"
	"github.com/quillnotes/quill/pkg/config"
)

// inheritedFD is where quilld places its end of the socketpair before
// exec'ing this daemon. Stdin, stdout, stderr occupy 0-2.
const inheritedFD = 3

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the authentication daemon",
	Long: `Start the authentication daemon.

With --inherited-socket the daemon serves the single duplex connection
passed on file descriptor 3 by the parent process and exits when that
connection closes. Without it the daemon listens on the configured Unix
socket and serves each connection independently.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().Bool("inherited-socket", false, "Serve the socketpair end inherited on fd 3")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	inherited, _ := cmd.Flags().GetBool("inherited-socket")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, cleanup, err := buildHandler(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if inherited {
		return serveInherited(ctx, handler)
	}
	return serveSocket(ctx, cfg.Auth.SocketPath, handler)
}

// buildHandler assembles the stores and the command handler from the
// configuration. The returned cleanup closes everything it opened.
func buildHandler(cfg *config.Config) (*handlers.Handler, func(), error) {
	if err := secfile.CheckSecret(cfg.Auth.PepperPath); err != nil {
		return nil, nil, fmt.Errorf("pepper file: %w", err)
	}
	pepper, err := hasher.LoadPepper(cfg.Auth.PepperPath)
	if err != nil {
		return nil, nil, err
	}
	h, err := hasher.New(hashParams(cfg), pepper)
	if err != nil {
		return nil, nil, err
	}

	if err := secfile.CheckSecret(cfg.Auth.PrivateJWKPath); err != nil {
		return nil, nil, fmt.Errorf("signing key: %w", err)
	}
	key, err := token.LoadPrivateJWK(cfg.Auth.PrivateJWKPath)
	if err != nil {
		return nil, nil, err
	}

	w, err := watch.New()
	if err != nil {
		return nil, nil, err
	}
	opts := watch.Options{Debounce: cfg.Auth.WatchDebounce}

	users, err := userdb.Open(cfg.Auth.UserDBPath, h, w, opts)
	if err != nil {
		_ = w.Close()
		return nil, nil, fmt.Errorf("user database: %w", err)
	}
	sessions, err := sessiondb.Open(cfg.Auth.SessionDBPath, w, opts)
	if err != nil {
		users.Close()
		_ = w.Close()
		return nil, nil, fmt.Errorf("session database: %w", err)
	}

	logger.Info("auth stores ready",
		"users", users.Len(), "sessions", sessions.Len())

	cleanup := func() {
		sessions.Close()
		users.Close()
		_ = w.Close()
	}
	return handlers.New(users, sessions, token.NewIssuer(key)), cleanup, nil
}

func hashParams(cfg *config.Config) hasher.Params {
	a := cfg.Auth.Argon2
	return hasher.Params{
		Memory:      a.Memory,
		Time:        a.Time,
		Parallelism: a.Parallelism,
		SaltLength:  a.SaltLength,
		KeyLength:   a.KeyLength,
	}
}

// serveInherited serves the single connection handed over by the parent.
func serveInherited(ctx context.Context, handler *handlers.Handler) error {
	f := os.NewFile(uintptr(inheritedFD), "auth-socket")
	if f == nil {
		return fmt.Errorf("file descriptor %d not inherited", inheritedFD)
	}
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("opening inherited socket: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop when the parent asks us to stop.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	logger.Info("serving inherited socket")
	return dispatch.New(conn, handler).Run(ctx)
}

// serveSocket listens on a Unix socket and serves each connection with its
// own dispatcher. The stores behind the handler carry the shared state.
func serveSocket(ctx context.Context, path string, handler *handlers.Handler) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(path)
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	logger.Info("listening", logger.KeyPath, path)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := dispatch.New(conn, handler).Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("connection failed", logger.KeyError, err)
			}
		}()
	}
}
