package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openassembly/backend/pkg/action"
	"github.com/openassembly/backend/pkg/actions"
	"github.com/openassembly/backend/pkg/coordinator"
	"github.com/openassembly/backend/pkg/datastore"
	"github.com/openassembly/backend/pkg/schema"
	"github.com/openassembly/backend/pkg/server"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the action HTTP server",
	Long: `Starts the HTTP server that accepts action requests and commits
them to the datastore. Requires a PostgreSQL connection URL via
--db or $DATABASE_URL.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", defaultListen(), "Listen address (defaults to $BACKEND_LISTEN or :9002)")
	rootCmd.AddCommand(serveCmd)
}

func defaultListen() string {
	if addr := os.Getenv("BACKEND_LISTEN"); addr != "" {
		return addr
	}
	return ":9002"
}

func runServe(cmd *cobra.Command, _ []string) error {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	if databaseURL == "" {
		return errors.New("no database URL: set --db or $DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := datastore.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to datastore: %w", err)
	}
	defer store.Close()

	registry := action.NewRegistry(schema.Default())
	actions.Register(registry)
	srv := server.New(coordinator.New(registry, store), log)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listenAddr).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
