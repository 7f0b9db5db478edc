package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/adapters/history"
	router "github.com/peercall/peercall/internal/adapters/http"
	"github.com/peercall/peercall/internal/adapters/rtc"
	"github.com/peercall/peercall/internal/adapters/store"
	"github.com/peercall/peercall/internal/app"
	"github.com/peercall/peercall/internal/config"
	"github.com/peercall/peercall/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	var recorder core.HistoryRecorder
	sqlRecorder, err := history.NewSQLiteRecorder(cfg.HistoryDBPath)
	if err != nil {
		log.Error().Err(err).Msg("call history unavailable, continuing without")
	} else {
		recorder = sqlRecorder
		defer sqlRecorder.Close()
	}

	calls := store.NewMemStore()
	media := rtc.NewFactory(rtc.DefaultConfig(cfg.StunServers), nil)
	reg := app.NewRegistry(calls, media, recorder, cfg.OfferStaleAfter)
	defer reg.Close()

	r := router.SetupRouter(ctx, cfg, reg, recorder)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Peercall server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
