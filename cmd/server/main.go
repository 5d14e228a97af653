package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/chat-web-client/internal/chat"
	"github.com/MegaGrindStone/chat-web-client/internal/dnd"
	"github.com/MegaGrindStone/chat-web-client/internal/handlers"
	"github.com/MegaGrindStone/chat-web-client/internal/services"
	"github.com/MegaGrindStone/chat-web-client/internal/state"
)

const errLoggerKey = "err"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	defaultPath, err := defaultConfigPath()
	if err != nil {
		return err
	}
	cfgPath := flag.String("config", defaultPath, "path of the config file")
	flag.Parse()

	if err := os.MkdirAll(filepath.Dir(*cfgPath), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	boltDB, err := services.NewBoltDB(cfg.StorePath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	api, err := services.NewAPI(cfg.BackendURL, boltDB, cfg.RequestTimeout, logger)
	if err != nil {
		return err
	}

	convs := state.NewConversations(api, logger)
	folders := state.NewFolders(api, convs, logger)
	transcripts := state.NewTranscripts(api)
	pipeline := chat.NewPipeline(api, convs, transcripts, cfg.StreamIdleTimeout, logger)
	mover := dnd.NewMover(api, convs, folders, logger)

	m, err := handlers.NewMain(api, pipeline, convs, folders, transcripts, mover, logger)
	if err != nil {
		return err
	}

	// A session kept from a previous run gets its sidebar right away.
	if api.LoggedIn(context.Background()) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		if err := folders.Reload(ctx); err != nil {
			logger.Warn("Failed to load folders", slog.String(errLoggerKey, err.Error()))
		}
		cancel()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/login", m.HandleLogin)
	mux.HandleFunc("/logout", m.HandleLogout)
	mux.HandleFunc("/coupon", m.HandleCoupon)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/cancel", m.HandleCancel)
	mux.HandleFunc("/conversations/move", m.HandleMoveConversation)
	mux.HandleFunc("/conversations/rename", m.HandleRenameConversation)
	mux.HandleFunc("/conversations/delete", m.HandleDeleteConversation)
	mux.HandleFunc("/folders", m.HandleCreateFolder)
	mux.HandleFunc("/folders/update", m.HandleUpdateFolder)
	mux.HandleFunc("/folders/delete", m.HandleDeleteFolder)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.String("backend", cfg.BackendURL))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}

	return nil
}
