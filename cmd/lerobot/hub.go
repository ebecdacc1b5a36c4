package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/recording"
	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/session"
)

// hub wires the configuration file to a registry of sessions.
type hub struct {
	store    *robot.ConfigStore
	server   robot.ServerConfig
	registry *session.Registry
}

func openHub(path string) (*hub, error) {
	store, err := robot.OpenConfigStore(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	server := store.Server()

	factory := func(rc robot.RobotConfig) (robot.Driver, error) {
		return robot.NewDriver(rc, store.SaveCalibration)
	}
	registry := session.NewRegistry(factory, session.Options{CallTimeout: time.Duration(server.CallTimeout)})

	for _, rc := range store.Robots() {
		if _, err := registry.Add(rc); err != nil {
			log.Warn().Err(err).Str("robot_id", rc.ID).Msg("Skipping robot from config")
		}
	}
	return &hub{store: store, server: server, registry: registry}, nil
}

// connect brings a configured robot online.
func (h *hub) connect(ctx context.Context, id string, calibrate bool) (*session.Session, error) {
	sess, err := h.registry.Get(id)
	if err != nil {
		return nil, errors.Wrapf(err, "configured robots: %v", h.ids())
	}
	if err := sess.Connect(ctx, calibrate); err != nil {
		return nil, err
	}
	return sess, nil
}

// recorder opens the recording store configured for the hub.
func (h *hub) recorder() (*recording.Coordinator, error) {
	store, err := recording.NewFileStore(h.server.RecordingsDir)
	if err != nil {
		return nil, err
	}
	return recording.NewCoordinator(h.registry, store, recording.Options{SampleRate: h.server.SampleRate}), nil
}

func (h *hub) ids() []string {
	states := h.registry.List()
	ids := make([]string, 0, len(states))
	for _, st := range states {
		ids = append(ids, st.ID)
	}
	return ids
}

func (h *hub) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.registry.Shutdown(ctx)
}
