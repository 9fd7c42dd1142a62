// gatekit-demo runs the auth service against an in-memory store with the
// providers configured through the environment. Sign-in emails are printed
// to the log instead of being delivered.
//
// Minimal run:
//
//	GATEKIT_SECRET=dev-secret-change-me go run ./cmd/gatekit-demo
//
// Add GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET or GITHUB_CLIENT_ID/
// GITHUB_CLIENT_SECRET to enable the OAuth providers.
package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/gatekit/gatekit"
	"github.com/gatekit/gatekit/stores/memory"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg, err := gatekit.LoadConfigFromEnv()
	if err != nil {
		logger.Error("loading config", "err", err)
		os.Exit(1)
	}

	var providers []gatekit.Provider
	if id, secret := os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"); id != "" {
		providers = append(providers, gatekit.NewGoogleProvider(id, secret))
	}
	if id, secret := os.Getenv("GITHUB_CLIENT_ID"), os.Getenv("GITHUB_CLIENT_SECRET"); id != "" {
		providers = append(providers, gatekit.NewGitHubProvider(id, secret))
	}

	store := memory.New()
	svc, err := gatekit.New(cfg, gatekit.Options{
		Repository:        store,
		Providers:         providers,
		SendSigninEmail:   gatekit.ConsoleEmailSender(logger),
		CredentialsSignIn: gatekit.NewCredentialsSignIn(store),
		Logger:            logger,
	})
	if err != nil {
		logger.Error("building service", "err", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.PathPrefix+"/", svc)
	mux.Handle("/", svc.WithSession(http.HandlerFunc(home)))

	addr := os.Getenv("GATEKIT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger.Info("listening", "addr", addr, "prefix", cfg.PathPrefix)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func home(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if userID := gatekit.UserIDFromContext(r.Context()); userID != "" {
		w.Write([]byte("signed in as " + userID + "\n"))
		return
	}
	w.Write([]byte("anonymous. try GET /auth/providers\n"))
}
