package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/banux/shelfsync/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile with the remote catalog and push local changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, ctx, func(a *app) error {
				res, err := a.ctl.SyncNow(cmd.Context())
				if err != nil {
					return explain(err)
				}
				if asJSON {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "listed %d, created %d, adopted %d, downloaded %d, failed %d\n",
					res.Listed, res.Created, res.Adopted, res.Downloaded, res.Failed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newLoginCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "login [token]",
		Short: "Store a bearer token for the remote catalog",
		Long:  "Store a bearer token for the remote catalog. With no argument the token is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 && args[0] != "-" {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				token = line
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("token is empty")
			}
			return withApp(cmd, ctx, func(a *app) error {
				if err := a.ctl.SetToken(token); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "token saved")
				return nil
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which books have unsynced changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, ctx, func(a *app) error {
				dirty, err := a.store.NeedsSync(a.store.Now())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, dirty)
				}
				if len(dirty) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "everything is in sync")
					return nil
				}
				rows := make([][]string, 0, len(dirty))
				for _, bk := range dirty {
					state := string(bk.SyncState)
					if bk.IsLocalOnly() {
						state = "not uploaded"
					}
					rows = append(rows, []string{shortID(bk.ID), bk.Title, state})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"ID", "Title", "State"}, rows, nil))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync in the background and serve the local control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, ctx, func(a *app) error {
				addr := a.cfg.ListenAddr
				if listen != "" {
					addr = listen
				}
				return serve(cmd.Context(), a, addr)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address for the control API (overrides config)")
	return cmd
}

// serve runs the background sync loop and, when addr is set, the control
// API until ctx is cancelled. On the way out it fires a final progress push
// and waits for it.
func serve(ctx context.Context, a *app, addr string) error {
	logger := a.logger
	a.engine.Start(ctx, a.cfg.SyncInterval)

	if res, err := a.ctl.SyncNow(ctx); err != nil {
		logger.Warn("startup sync failed", slog.Any("error", explain(err)))
	} else {
		logger.Info("startup sync",
			slog.Int("listed", res.Listed),
			slog.Int("created", res.Created),
			slog.Int("downloaded", res.Downloaded),
		)
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv = &http.Server{
			Handler:           server.New(a.ctl, server.Options{Password: a.cfg.Password, Logger: logger}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		logger.Info("control API listening", slog.String("addr", ln.Addr().String()))
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	logger.Info("shutting down")
	a.ctl.Suspend()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control API shutdown", slog.Any("error", err))
		}
		cancel()
	}
	a.engine.Wait()
	return runErr
}
