package recording

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/session"
	"github.com/gwillem/lerobot-hub/pkg/task"
)

// Sessions looks up robot sessions.
type Sessions interface {
	Get(id string) (*session.Session, error)
}

// Observer is told about every frame sent during playback.
type Observer func(index int, frame Frame)

// Options tune a coordinator.
type Options struct {
	// SampleRate is the capture rate in Hz. Zero means robot.DefaultSampleRate.
	SampleRate int
}

// Coordinator runs capture loops and playbacks. Each robot has at most one
// capture and one playback at a time.
type Coordinator struct {
	sessions Sessions
	store    Store
	period   time.Duration

	mu        sync.Mutex
	captures  map[string]*capture // by recording id
	capturing map[string]string   // robot id to recording id
	playing   map[string]bool     // robot id
}

// NewCoordinator creates a coordinator persisting into store.
func NewCoordinator(sessions Sessions, store Store, opts Options) *Coordinator {
	rate := opts.SampleRate
	if rate <= 0 {
		rate = robot.DefaultSampleRate
	}
	ensureMetrics()
	return &Coordinator{
		sessions:  sessions,
		store:     store,
		period:    time.Second / time.Duration(rate),
		captures:  make(map[string]*capture),
		capturing: make(map[string]string),
		playing:   make(map[string]bool),
	}
}

type capture struct {
	id        string
	robotID   string
	createdAt time.Time
	started   time.Time
	task      *task.Task

	mu     sync.Mutex
	frames []Frame
}

func (c *capture) append(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *capture) snapshot() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Start begins capturing the robot and returns the new recording id.
func (c *Coordinator) Start(ctx context.Context, robotID string) (string, error) {
	sess, err := c.sessions.Get(robotID)
	if err != nil {
		return "", err
	}
	if st := sess.Status(); !st.CanObserve() {
		return "", errors.Wrapf(session.ErrInvalidState, "robot %s is %s", robotID, st)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, busy := c.capturing[robotID]; busy {
		return "", errors.Wrapf(session.ErrConflict, "robot %s is already recording as %s", robotID, id)
	}

	now := time.Now()
	cp := &capture{
		id:        robotID + "-" + uuid.NewString(),
		robotID:   robotID,
		createdAt: now.UTC(),
		started:   now,
	}
	cp.task = task.Go(context.Background(), func(ctx context.Context) {
		c.captureLoop(ctx, sess, cp)
	})
	c.captures[cp.id] = cp
	c.capturing[robotID] = cp.id
	activeCaptures.Inc()

	log.Info().Str("robot_id", robotID).Str("recording_id", cp.id).Msg("Recording started")
	return cp.id, nil
}

func (c *Coordinator) captureLoop(ctx context.Context, sess *session.Session, cp *capture) {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		positions, err := sess.Observation(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("recording_id", cp.id).Msg("Capture stopped")
			}
			return
		}
		cp.append(Frame{
			Timestamp:      time.Since(cp.started).Seconds(),
			JointPositions: positions,
		})
		framesCaptured.WithLabelValues(cp.robotID).Inc()
	}
}

// Active reports the recording id being captured for a robot, if any.
func (c *Coordinator) Active(robotID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.capturing[robotID]
	return id, ok
}

// Stop ends a capture and persists it. An empty name becomes DefaultName.
// If saving fails the frames are kept and Stop can be called again; the
// robot is free to start another capture meanwhile.
func (c *Coordinator) Stop(ctx context.Context, recordingID, name string) (*Recording, error) {
	c.mu.Lock()
	cp, ok := c.captures[recordingID]
	if ok {
		delete(c.captures, recordingID)
		if c.capturing[cp.robotID] == cp.id {
			delete(c.capturing, cp.robotID)
			activeCaptures.Dec()
		}
	}
	c.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(session.ErrNotFound, "no active recording %s", recordingID)
	}

	cp.task.Stop()

	if name == "" {
		name = DefaultName
	}
	frames := cp.snapshot()
	rec := &Recording{
		ID:        cp.id,
		RobotID:   cp.robotID,
		Name:      name,
		Frames:    frames,
		Duration:  duration(frames),
		CreatedAt: cp.createdAt,
	}
	if err := c.store.Save(rec); err != nil {
		c.mu.Lock()
		c.captures[cp.id] = cp
		c.mu.Unlock()
		log.Error().Err(err).Str("recording_id", cp.id).Int("frames", len(frames)).Msg("Recording kept in memory after failed save")
		return nil, errors.Wrapf(err, "save recording %s", rec.ID)
	}

	log.Info().Str("robot_id", rec.RobotID).Str("recording_id", rec.ID).
		Int("frames", len(rec.Frames)).Float64("duration", rec.Duration).Msg("Recording saved")
	return rec, nil
}

// List returns the persisted recordings of a robot, newest first.
func (c *Coordinator) List(robotID string) ([]Metadata, error) {
	return c.store.List(robotID)
}

// Get returns a persisted recording.
func (c *Coordinator) Get(recordingID string) (*Recording, error) {
	return c.store.Load(recordingID)
}

// Delete removes a persisted recording.
func (c *Coordinator) Delete(recordingID string) error {
	if err := c.store.Delete(recordingID); err != nil {
		return err
	}
	log.Info().Str("recording_id", recordingID).Msg("Recording deleted")
	return nil
}

// Playback sends every frame of a recording to its robot, keeping the
// captured spacing divided by speed. Cancelling ctx stops playback.
func (c *Coordinator) Playback(ctx context.Context, recordingID string, speed float64, observe Observer) error {
	if math.IsNaN(speed) || math.IsInf(speed, 0) || speed <= 0 {
		return errors.Wrapf(session.ErrInvalidArgument, "speed must be a positive finite number, got %g", speed)
	}
	rec, err := c.store.Load(recordingID)
	if err != nil {
		return err
	}
	sess, err := c.sessions.Get(rec.RobotID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.playing[rec.RobotID] {
		c.mu.Unlock()
		return errors.Wrapf(session.ErrConflict, "robot %s is already playing back", rec.RobotID)
	}
	c.playing[rec.RobotID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.playing, rec.RobotID)
		c.mu.Unlock()
	}()

	log.Info().Str("robot_id", rec.RobotID).Str("recording_id", rec.ID).
		Int("frames", len(rec.Frames)).Float64("speed", speed).Msg("Playback started")

	err = c.play(ctx, sess, rec, speed, observe)
	result := "ok"
	if err != nil {
		result = "error"
	}
	playbacks.WithLabelValues(rec.RobotID, result).Inc()
	return err
}

func (c *Coordinator) play(ctx context.Context, sess *session.Session, rec *Recording, speed float64, observe Observer) error {
	for i, frame := range rec.Frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sess.SendAction(ctx, frame.JointPositions); err != nil {
			return errors.Wrapf(err, "frame %d", i)
		}
		if observe != nil {
			observe(i, frame)
		}
		if i == len(rec.Frames)-1 {
			break
		}

		wait := time.Duration((rec.Frames[i+1].Timestamp - frame.Timestamp) / speed * float64(time.Second))
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Shutdown stops and saves every capture still running.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.captures))
	for id := range c.captures {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if _, err := c.Stop(context.Background(), id, ""); err != nil {
			log.Error().Err(err).Str("recording_id", id).Msg("Failed to save recording on shutdown")
		}
	}
}
