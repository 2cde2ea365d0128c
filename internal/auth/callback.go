package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nullstream/antigravity-bridge/internal/config"
	"github.com/nullstream/antigravity-bridge/internal/utils"
)

// CallbackServer is the loopback HTTP server that receives the OAuth
// redirect during a login flow. It tries the configured port and falls back
// through config.OAuthConfig.CallbackFallbackPorts if it's taken.
type CallbackServer struct {
	server     *http.Server
	mu         sync.Mutex
	actualPort int
	isAborted  bool
	codeChan   chan string
	errChan    chan error
}

// NewCallbackServer builds a server that accepts only requests carrying
// expectedState, guarding against a CSRF'd callback.
func NewCallbackServer(expectedState string) *CallbackServer {
	cs := &CallbackServer{
		actualPort: config.OAuthConfig.CallbackPort,
		codeChan:   make(chan string, 1),
		errChan:    make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", func(w http.ResponseWriter, r *http.Request) {
		// Loopback-only: refuse to process a callback that arrived via a
		// forwarded Host header, since this server is never meant to be
		// reachable from outside the machine running the login flow.
		host, _, _ := net.SplitHostPort(r.Host)
		if host == "" {
			host = r.Host
		}
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		query := r.URL.Query()

		if errParam := query.Get("error"); errParam != "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "Error: "+errParam)
			cs.errChan <- fmt.Errorf("oauth error: %s", errParam)
			return
		}

		if query.Get("state") != expectedState {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "State mismatch - possible CSRF attack.")
			cs.errChan <- fmt.Errorf("state mismatch")
			return
		}

		code := query.Get("code")
		if code == "" {
			writeCallbackPage(w, http.StatusBadRequest, "Authentication Failed", "No authorization code received.")
			cs.errChan <- fmt.Errorf("no authorization code")
			return
		}

		writeCallbackPage(w, http.StatusOK, "Authentication Successful", "You can close this window and return to the terminal.")
		cs.codeChan <- code
	})

	cs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return cs
}

func writeCallbackPage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<html><head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: system-ui; padding: 40px; text-align: center;">
<h1>%s</h1><p>%s</p>
<script>setTimeout(() => window.close(), 2000);</script>
</body></html>`, title, title, message)
}

// Start listens on the primary callback port, falling back through the
// configured list, and blocks until a code arrives, an error is reported, or
// ctx is cancelled.
func (cs *CallbackServer) Start(ctx context.Context) (string, error) {
	ports := append([]int{config.OAuthConfig.CallbackPort}, config.OAuthConfig.CallbackFallbackPorts...)

	var lastErr error
	for _, port := range ports {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			lastErr = err
			utils.Warn("[OAuth] Failed to bind port %d: %v", port, err)
			continue
		}

		cs.actualPort = port
		if port != config.OAuthConfig.CallbackPort {
			utils.Warn("[OAuth] Primary port %d unavailable, using fallback port %d", config.OAuthConfig.CallbackPort, port)
		} else {
			utils.Info("[OAuth] Callback server listening on port %d", port)
		}

		go func() {
			if err := cs.server.Serve(listener); err != nil && err != http.ErrServerClosed {
				cs.errChan <- err
			}
		}()

		select {
		case code := <-cs.codeChan:
			cs.server.Shutdown(context.Background())
			return code, nil
		case err := <-cs.errChan:
			cs.server.Shutdown(context.Background())
			return "", err
		case <-ctx.Done():
			cs.server.Shutdown(context.Background())
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("failed to start oauth callback server: %w", lastErr)
}

// GetPort returns the port actually bound (after fallback).
func (cs *CallbackServer) GetPort() int { return cs.actualPort }

// Abort shuts the server down without delivering a code or error, for when
// the caller completed the flow through some other means (e.g. pasted code).
func (cs *CallbackServer) Abort() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.isAborted {
		return
	}
	cs.isAborted = true
	if cs.server != nil {
		cs.server.Shutdown(context.Background())
		utils.Info("[OAuth] Callback server aborted (manual completion)")
	}
}
