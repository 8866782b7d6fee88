package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/quillnotes/quill/internal/api"
	"github.com/quillnotes/quill/internal/auth/token"
	"github.com/quillnotes/quill/internal/logger"
	"github.com/quillnotes/quill/pkg/authclient"
	"github.com/quillnotes/quill/pkg/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the quill daemon",
	Long: `Start the quill daemon.

quilld spawns quill-authd, connects to it over a socketpair, and serves the
REST API. The sub-daemon inherits its end of the pair on file descriptor 3
and is torn down with the front-end.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("authd", "quill-authd", "Path to the quill-authd binary")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	authdPath, _ := cmd.Flags().GetString("authd")

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

	verifyKey, err := token.LoadPublicJWK(cfg.Auth.PublicJWKPath)
	if err != nil {
		return fmt.Errorf("verification key: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, child, err := spawnAuthd(authdPath, cfgPath)
	if err != nil {
		return err
	}

	client := authclient.New(conn)
	defer client.Close()

	// If the sub-daemon dies we cannot authenticate anyone; shut down.
	childExit := make(chan error, 1)
	go func() { childExit <- child.Wait() }()

	router := api.NewRouter(client, token.NewVerifier(verifyKey))
	httpServer := &http.Server{Addr: cfg.HTTP.Listen, Handler: router}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.Handler()}
		go func() {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", logger.KeyError, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-childExit:
		childExit = nil
		logger.Error("auth sub-daemon exited", logger.KeyError, err)
	case err := <-serverErr:
		logger.Error("http server failed", logger.KeyError, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logger.KeyError, err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	// Closing our end of the socketpair gives the sub-daemon a clean EOF.
	_ = client.Close()
	if childExit != nil {
		select {
		case <-childExit:
		case <-time.After(5 * time.Second):
			logger.Warn("auth sub-daemon did not exit, killing it")
			_ = child.Process.Kill()
			<-childExit
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// spawnAuthd creates the socketpair, execs the sub-daemon with one end on
// fd 3, and returns our end plus the child handle.
func spawnAuthd(authdPath, cfgPath string) (net.Conn, *exec.Cmd, error) {
	// SOCK_CLOEXEC keeps the parent's end out of the child; exec re-enables
	// inheritance for the ExtraFiles fd only.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "authd-socket")
	childFile := os.NewFile(uintptr(fds[1]), "authd-socket-child")

	childArgs := []string{"start", "--inherited-socket"}
	if cfgPath != "" {
		childArgs = append(childArgs, "--config", cfgPath)
	}
	child := exec.Command(authdPath, childArgs...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.ExtraFiles = []*os.File{childFile}

	if err := child.Start(); err != nil {
		_ = parentFile.Close()
		_ = childFile.Close()
		return nil, nil, fmt.Errorf("starting %s: %w", authdPath, err)
	}
	_ = childFile.Close()

	conn, err := net.FileConn(parentFile)
	_ = parentFile.Close()
	if err != nil {
		_ = child.Process.Kill()
		_, _ = child.Process.Wait()
		return nil, nil, fmt.Errorf("opening socketpair end: %w", err)
	}

	logger.Info("auth sub-daemon started", "pid", child.Process.Pid)
	return conn, child, nil
}
