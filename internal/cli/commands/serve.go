package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	httpAdapter "github.com/cwygoda/datastash/internal/adapter/http"
	"github.com/cwygoda/datastash/internal/cli/ui"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

// serveCmd is the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the cache over HTTP",
	Long: `Serve the catalog over a small JSON API until interrupted. When a secret is
configured (server.secret or DATASTASH_SECRET) requests that change the cache
must carry X-Timestamp and X-Signature headers.`,
	Example: `  $ datastash serve
  $ datastash serve --addr :9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")

	serveCmd.SilenceUsage = true
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := serveAddr
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	if a.Config.Server.Secret == "" {
		ui.PrintWarning("No server secret configured, mutating requests are not authenticated")
	}
	srv := httpAdapter.NewServer(a.Service, addr, a.Config.Server.Secret, a.Logger)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("HTTP server listening", "addr", addr, "cache_root", a.Config.CacheRoot)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
	}

	a.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("HTTP server shutdown error", "error", err)
	}
	a.Logger.Info("shutdown complete")
	return nil
}
