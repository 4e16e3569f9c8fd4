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

	"github.com/dkeye/Consult/internal/adapters/chatws"
	router "github.com/dkeye/Consult/internal/adapters/http"
	"github.com/dkeye/Consult/internal/adapters/rtc"
	"github.com/dkeye/Consult/internal/adapters/tokens"
	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/app/chat"
	"github.com/dkeye/Consult/internal/app/host"
	"github.com/dkeye/Consult/internal/app/media"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	devices, err := rtc.DevicesByName(cfg.Media.Devices)
	if err != nil {
		log.Fatal().Err(err).Msg("media devices")
	}

	issuer := tokens.NewClient(tokens.Config{
		BaseURL:        cfg.Backend.BaseURL,
		MediaTokenPath: cfg.Backend.MediaTokenPath,
		ChatTokenPath:  cfg.Backend.ChatTokenPath,
		Timeout:        cfg.Backend.Timeout,
	})
	transport := rtc.NewTransport(rtc.Config{
		SignalURL:  cfg.Media.SignalURL,
		ICEServers: cfg.Media.ICEServers,
		Devices:    devices,
		ReadLimit:  cfg.Media.ReadLimit,
		PingPeriod: cfg.Media.PingPeriod,
	})
	connector := chatws.NewConnector(chatws.Config{
		URL:            cfg.Chat.URL,
		RequestTimeout: cfg.Chat.RequestTimeout,
		ReadLimit:      cfg.Chat.ReadLimit,
		PingPeriod:     cfg.Chat.PingPeriod,
	})

	deps := host.Deps{
		Tokens: issuer,
		Media:  transport,
		Chat:   connector,
		MediaOptions: media.Options{
			Video: core.VideoConstraints{Width: cfg.Media.Width, Height: cfg.Media.Height},
		},
		ChatOptions: chat.Options{
			CreateGrace:    cfg.Chat.CreateGrace,
			RefreshTimeout: cfg.Chat.RefreshTimeout,
		},
	}

	reg := app.NewRegistry()
	ctl := &router.SessionController{
		Registry: reg,
		NewSession: func(p host.Params) (router.Session, error) {
			return host.New(p, deps)
		},
		Limiter:        router.NewSendLimiter(cfg.Send.Count, cfg.Send.Interval),
		ConnectTimeout: cfg.ConnectTimeout,
		Base:           ctx,
	}

	r := router.SetupRouter(cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Consult server started")
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
	reg.CloseAll()
	log.Info().Msg("Server exited gracefully")
}
