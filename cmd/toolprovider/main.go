// Toolprovider is the reference MCP Tool Provider. It serves get_weather
// and calculate over stdio (the default, for hosts that launch it as a
// subprocess) or over HTTP with -http.
//
// Usage:
//
//	toolprovider [-http addr] [-v]
//
// stdout carries protocol frames only; logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/hostbridge/internal/buildinfo"
	"github.com/nugget/hostbridge/internal/config"
	"github.com/nugget/hostbridge/internal/toolprovider"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "toolprovider: %s\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var httpAddr string
	level := slog.LevelInfo

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-http" && i+1 < len(args):
			httpAddr = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-http="):
			httpAddr = strings.TrimPrefix(args[i], "-http=")
		case args[i] == "-v":
			level = slog.LevelDebug
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}

	logger := config.NewLogger(stderr, level, "text")

	srv, err := toolprovider.Default(buildinfo.Version, logger)
	if err != nil {
		return err
	}

	if httpAddr == "" {
		return srv.Serve(ctx, stdin, stdout)
	}
	return serveHTTP(ctx, httpAddr, srv, logger)
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "path", "/mcp")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
