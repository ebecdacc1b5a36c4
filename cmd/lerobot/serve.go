package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/calibration"
	"github.com/gwillem/lerobot-hub/pkg/recording"
	"github.com/gwillem/lerobot-hub/pkg/server"
)

type ServeCommand struct {
	Listen        string `long:"listen" env:"LEROBOT_LISTEN" description:"Listen address (overrides the config file)"`
	RecordingsDir string `long:"recordings-dir" env:"LEROBOT_RECORDINGS_DIR" description:"Recordings directory (overrides the config file)"`
	Connect       bool   `long:"connect" description:"Connect every configured robot on startup"`
}

func (c *ServeCommand) Execute(args []string) error {
	h, err := openHub(opts.Config)
	if err != nil {
		return err
	}

	cfg := h.server
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	if c.RecordingsDir != "" {
		cfg.RecordingsDir = c.RecordingsDir
	}

	store, err := recording.NewFileStore(cfg.RecordingsDir)
	if err != nil {
		return err
	}
	log.Info().Str("dir", store.Dir()).Msg("Recordings directory ready")
	cal := calibration.NewCoordinator(h.registry, calibration.Options{
		Period: time.Second / time.Duration(cfg.CalibrationRate),
	})
	rec := recording.NewCoordinator(h.registry, store, recording.Options{SampleRate: cfg.SampleRate})
	srv := server.New(cfg, h.registry, cal, rec, h.store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.Connect {
		for _, id := range h.ids() {
			if _, err := h.connect(ctx, id, false); err != nil {
				log.Warn().Err(err).Str("robot_id", id).Msg("Failed to connect robot on startup")
			}
		}
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start()
	}()

	select {
	case err := <-errc:
		if err != nil {
			h.close()
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if errs := srv.Shutdown(shutdownCtx); len(errs) > 0 {
		log.Error().Errs("errors", errs).Msg("Server shut down with errors")
	} else {
		log.Info().Msg("Server stopped")
	}
	return nil
}
