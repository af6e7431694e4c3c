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
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mossy-p/telehealth-signaling/config"
	"github.com/mossy-p/telehealth-signaling/internal/handlers"
	"github.com/mossy-p/telehealth-signaling/internal/hub"
	"github.com/mossy-p/telehealth-signaling/internal/redis"
)

const shutdownTimeout = 5 * time.Second

// NewRootCmd returns the signaling server command. Flags override the
// matching environment variables.
func NewRootCmd() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:   "signaling",
		Short: "WebRTC signaling relay for two-party video calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("port", v.GetString("port"), "HTTP listen port")
	flags.String("environment", v.GetString("environment"), "development or production")
	flags.String("log-level", v.GetString("log_level"), "zerolog level")
	flags.Bool("targeted-offers", v.GetBool("targeted_offers"), "send new offers only to their recipient when connected")
	flags.Bool("legacy-offer-event", v.GetBool("legacy_offer_event"), "also announce new offers as newOfferAwaiting")
	flags.Bool("redis", v.GetBool("redis.enabled"), "mirror online users into Redis")

	bindFlags(v, cmd, map[string]string{
		"port":               "port",
		"environment":        "environment",
		"log-level":          "log_level",
		"targeted-offers":    "targeted_offers",
		"legacy-offer-event": "legacy_offer_event",
		"redis":              "redis.enabled",
	})

	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Environment == "production" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
}

// runServer starts the HTTP server and waits for SIGINT or SIGTERM.
func runServer(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	setupLogger(cfg)

	var presence handlers.Presence = handlers.NoopPresence{}
	if cfg.Redis.Enabled {
		p, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer p.Close()
		presence = p
		log.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis connection established")
	}

	h := hub.New(hub.Options{
		TargetedOffers:   cfg.TargetedOffers,
		LegacyOfferEvent: cfg.LegacyOfferEvent,
	})
	server := handlers.NewServer(cfg, h, presence)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.NewRouter(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting WebRTC signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err, ok := <-errCh:
		if ok {
			log.Error().Err(err).Msg("Failed to start server")
			return err
		}
		return nil
	case <-quit:
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}
	log.Info().Msg("Server exited")
	return nil
}
