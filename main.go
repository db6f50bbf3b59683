package main

import (
	"context"
	"docrelay/config"
	"docrelay/core"
	"docrelay/handlers/api/documents"
	"docrelay/handlers/auth"
	"docrelay/handlers/websocket"
	authMiddleware "docrelay/middleware"
	"docrelay/stores"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func setupRouter(cfg config.Config, documentStore core.DocumentStore, authenticator *auth.Authenticator, relay *websocket.Server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	corsOptions := cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: !cfg.AllowsAnyOrigin(),
		MaxAge:           300,
	}
	r.Use(cors.Handler(corsOptions))

	r.Route("/api/auth", func(r chi.Router) {
		r.Get("/login", authenticator.HandleLogin)
		r.Get("/callback", authenticator.HandleCallback)
		r.With(authMiddleware.AuthJWT(authenticator)).Get("/me", auth.HandleMe)
	})

	r.With(authMiddleware.AuthJWT(authenticator)).Mount("/api/documents", documents.Routes(documentStore))

	r.Get("/api/rooms", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, relay.ActiveRooms())
	})

	r.Handle("/socket.io/", relay.Handler())

	return r
}

func waitForShutdown(server *http.Server, relay *websocket.Server, documentStore core.DocumentStore) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	s := <-signalC
	logrus.WithField("signal", s.String()).Info("Shutting down...")

	relay.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}

	if closer, ok := documentStore.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close document store")
		}
	}
	logrus.Info("Server stopped")
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := flag.String("loglevel", cfg.LogLevel, "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", cfg.ListenAddr, "Set the server listen address")
	flag.Parse()
	cfg.LogLevel = *logLevel
	cfg.ListenAddr = *listenAddr

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate has already checked the level.
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx := context.Background()
	documentStore, err := stores.GetStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialise document store")
	}

	authenticator := auth.NewAuthenticator(cfg.JWTSecret)
	authenticator.InitProviders(ctx, cfg.OAuth)

	var verifier core.IdentityVerifier
	if authenticator.Configured() {
		verifier = authenticator
	} else {
		logrus.Warn("JWT_SECRET is not set; document API requests will be rejected")
	}

	relay := websocket.NewServer(cfg, verifier)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: setupRouter(cfg, documentStore, authenticator, relay),
	}

	logrus.WithField("addr", cfg.ListenAddr).Info("starting server")
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(server, relay, documentStore)
}
