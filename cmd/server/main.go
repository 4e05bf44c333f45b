package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/VoiceSFU/internal/adapters/http"
	"github.com/dkeye/VoiceSFU/internal/adapters/rtc"
	signaling "github.com/dkeye/VoiceSFU/internal/adapters/signal"
	"github.com/dkeye/VoiceSFU/internal/app"
	"github.com/dkeye/VoiceSFU/internal/app/orch"
	"github.com/dkeye/VoiceSFU/internal/config"
	"github.com/dkeye/VoiceSFU/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(reg)

	engine, err := rtc.NewEngine(rtc.EngineConfig{
		ListenIP: cfg.Media.ListenIP,
		MinPort:  cfg.Media.RtcMinPort,
		MaxPort:  cfg.Media.RtcMaxPort,
		TCPPort:  cfg.Media.TCPPort,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("media engine")
	}
	defer engine.Close()

	mediaRouter, err := engine.CreateRouter(ctx, []domain.RtpCodecCapability{cfg.Media.Codec.Capability()})
	if err != nil {
		log.Fatal().Err(err).Msg("media router")
	}

	conns := app.NewConnections(app.SimplePolicy{}, metrics)
	o := orch.New(mediaRouter, conns, metrics, orch.Options{
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		EnableUDP:   cfg.Media.EnableUDP,
		EnableTCP:   cfg.Media.EnableTCP,
		PreferUDP:   cfg.Media.PreferUDP,
		MuteFanout:  cfg.Session.MuteFanout,
	})
	go o.WatchEngine(ctx, engine.Died(), cfg.Session.ShutdownGrace, os.Exit)

	ctrl := signaling.NewSignalWSController(o, metrics, signaling.Options{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		SendBuffer:     cfg.Signal.SendBuffer,
		ToggleLimit:    cfg.Session.ToggleLimit,
		ToggleInterval: cfg.Session.ToggleInterval,
	})

	r := router.SetupRouter(ctx, cfg, o, ctrl, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("SFU signalling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	conns.CancelAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
