package session

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/gwillem/lerobot-hub/pkg/robot"
)

// DriverFactory creates the driver for a robot configuration.
type DriverFactory func(cfg robot.RobotConfig) (robot.Driver, error)

// Registry maps robot identifiers to their sessions.
type Registry struct {
	factory DriverFactory
	opts    Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(factory DriverFactory, opts Options) *Registry {
	return &Registry{
		factory:  factory,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Add creates a disconnected session for cfg.
func (r *Registry) Add(cfg robot.RobotConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "%v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[cfg.ID]; ok {
		return nil, errors.Wrapf(ErrAlreadyExists, "robot %s", cfg.ID)
	}

	driver, err := r.factory(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "create driver for %s", cfg.ID)
	}

	s := New(cfg, driver, r.opts)
	r.sessions[cfg.ID] = s
	log.Info().Str("robot_id", cfg.ID).Str("robot_type", string(cfg.Type)).Str("port", cfg.Port).Msg("Robot registered")
	return s, nil
}

// Get returns the session of a robot.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "robot %s", id)
	}
	return s, nil
}

// Remove deletes a robot. The session must already be disconnected.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "robot %s", id)
	}
	if st := s.Status(); st != StatusDisconnected {
		return errors.Wrapf(ErrInvalidState, "robot %s is %s, disconnect it first", id, st)
	}
	delete(r.sessions, id)
	s.Close()
	log.Info().Str("robot_id", id).Msg("Robot removed")
	return nil
}

// List returns a snapshot of every session, sorted by id.
func (r *Registry) List() []State {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	states := make([]State, 0, len(sessions))
	for _, s := range sessions {
		states = append(states, s.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// Shutdown disconnects every session concurrently and stops their workers.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg conc.WaitGroup
	for _, s := range sessions {
		wg.Go(func() {
			if s.Status() != StatusDisconnected {
				if err := s.Disconnect(ctx); err != nil {
					log.Warn().Err(err).Str("robot_id", s.ID()).Msg("Failed to disconnect robot during shutdown")
				}
			}
			s.Close()
			select {
			case <-s.Done():
			case <-ctx.Done():
				log.Warn().Str("robot_id", s.ID()).Msg("Session worker still busy at shutdown")
			}
		})
	}
	wg.Wait()
	log.Info().Int("robots", len(sessions)).Msg("Registry shut down")
}
