package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// Transports understood by Serve.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Serve runs s on the given transport until ctx ends (or, for stdio, until
// the client closes stdin).
func Serve(ctx context.Context, s *server.MCPServer, transport, listen string, in io.Reader, out io.Writer) error {
	switch transport {
	case "", TransportStdio:
		return serveStdio(ctx, s, in, out)
	case TransportHTTP:
		return serveHTTP(ctx, s, listen)
	default:
		return fmt.Errorf("unsupported mcp transport %q", transport)
	}
}

func serveStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(log.New(slogWriter{}, "", 0))

	slog.Info("mcp.server.listening", "transport", TransportStdio)
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, s *server.MCPServer, listen string) error {
	httpServer := server.NewStreamableHTTPServer(s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcp.server.listening", "transport", TransportHTTP, "addr", listen)
		errCh <- httpServer.Start(listen)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("mcp.server.shutdown_failed", "error", err)
		}
		return nil
	}
}

// slogWriter forwards the stdio server's error log lines to slog.
type slogWriter struct{}

func (slogWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	slog.Warn("mcp.stdio", "message", msg)
	return len(p), nil
}
