package recording

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/lerobot-hub/pkg/robot"
	"github.com/gwillem/lerobot-hub/pkg/robot/robottest"
	"github.com/gwillem/lerobot-hub/pkg/session"
)

type sessions map[string]*session.Session

func (s sessions) Get(id string) (*session.Session, error) {
	sess, ok := s[id]
	if !ok {
		return nil, errors.Wrapf(session.ErrNotFound, "robot %s", id)
	}
	return sess, nil
}

type fixture struct {
	coord  *Coordinator
	store  *FileStore
	sess   *session.Session
	driver *robottest.Driver
}

func setup(t *testing.T, rate int) *fixture {
	t.Helper()
	d := robottest.New(true)
	sess := session.New(robot.RobotConfig{ID: "r1", Type: robot.TypeSO101Follower, Port: "/dev/null"}, d, session.Options{CallTimeout: time.Second})
	require.NoError(t, sess.Connect(context.Background(), false))

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	c := NewCoordinator(sessions{"r1": sess}, store, Options{SampleRate: rate})
	t.Cleanup(func() {
		c.Shutdown()
		sess.Close()
	})
	return &fixture{coord: c, store: store, sess: sess, driver: d}
}

func TestCoordinator_StartStop(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 50)

	id, err := f.coord.Start(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "r1-"))

	active, ok := f.coord.Active("r1")
	assert.True(t, ok)
	assert.Equal(t, id, active)

	_, err = f.coord.Start(ctx, "r1")
	assert.True(t, errors.Is(err, session.ErrConflict))

	time.Sleep(200 * time.Millisecond)

	rec, err := f.coord.Stop(ctx, id, "wave")
	require.NoError(t, err)
	assert.Equal(t, "wave", rec.Name)
	assert.Equal(t, "r1", rec.RobotID)
	assert.GreaterOrEqual(t, len(rec.Frames), 1)
	assert.LessOrEqual(t, len(rec.Frames), 12)
	assert.Equal(t, rec.Frames[len(rec.Frames)-1].Timestamp, rec.Duration)

	prev := 0.0
	for _, fr := range rec.Frames {
		assert.GreaterOrEqual(t, fr.Timestamp, prev)
		assert.Len(t, fr.JointPositions, len(robot.AllJoints()))
		prev = fr.Timestamp
	}

	_, ok = f.coord.Active("r1")
	assert.False(t, ok)

	list, err := f.coord.List("r1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "wave", list[0].Name)
	assert.Equal(t, len(rec.Frames), list[0].FrameCount)

	// the robot can record again once stopped
	id2, err := f.coord.Start(ctx, "r1")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestCoordinator_StopImmediately(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 1)

	id, err := f.coord.Start(ctx, "r1")
	require.NoError(t, err)

	rec, err := f.coord.Stop(ctx, id, "")
	require.NoError(t, err)
	assert.Empty(t, rec.Frames)
	assert.Zero(t, rec.Duration)
	assert.Equal(t, DefaultName, rec.Name)

	_, err = f.coord.Stop(ctx, id, "")
	assert.True(t, errors.Is(err, session.ErrNotFound), "stop twice")
}

func TestCoordinator_StopUnknown(t *testing.T) {
	f := setup(t, 50)
	_, err := f.coord.Stop(context.Background(), "r1-nope", "x")
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

func TestCoordinator_StartPreconditions(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 50)

	_, err := f.coord.Start(ctx, "ghost")
	assert.True(t, errors.Is(err, session.ErrNotFound))

	require.NoError(t, f.sess.Disconnect(ctx))
	_, err = f.coord.Start(ctx, "r1")
	assert.True(t, errors.Is(err, session.ErrInvalidState))
}

func TestCoordinator_CaptureErrorKeepsFrames(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 100)

	id, err := f.coord.Start(ctx, "r1")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	f.driver.Fail(robottest.OpObservation, robottest.ErrBus)
	require.Eventually(t, func() bool { return f.sess.Status() == session.StatusError }, time.Second, 5*time.Millisecond)

	rec, err := f.coord.Stop(ctx, id, "partial")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Frames)
}

func TestCoordinator_Delete(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 50)

	id, err := f.coord.Start(ctx, "r1")
	require.NoError(t, err)
	_, err = f.coord.Stop(ctx, id, "")
	require.NoError(t, err)

	_, err = f.coord.Get(id)
	require.NoError(t, err)

	require.NoError(t, f.coord.Delete(id))
	_, err = f.coord.Get(id)
	assert.True(t, errors.Is(err, session.ErrNotFound))
	assert.True(t, errors.Is(f.coord.Delete(id), session.ErrNotFound))
}

func TestCoordinator_Playback(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 50)
	require.NoError(t, f.store.Save(testRecording("r1", "r1-p", time.Now(), 0, 0.1, 0.2)))

	var indices []int
	start := time.Now()
	err := f.coord.Playback(ctx, "r1-p", 2.0, func(i int, fr Frame) {
		indices = append(indices, i)
	})
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, indices)
	assert.GreaterOrEqual(t, elapsed, 95*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)

	actions := f.driver.Actions()
	require.Len(t, actions, 3)
	for i, a := range actions {
		assert.Equal(t, float64(i), a[robot.ShoulderPan])
	}

	times := f.driver.ActionTimes()
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 45*time.Millisecond)
}

func TestCoordinator_PlaybackArguments(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 50)
	require.NoError(t, f.store.Save(testRecording("r1", "r1-p", time.Now(), 0)))

	for _, speed := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := f.coord.Playback(ctx, "r1-p", speed, nil)
		assert.True(t, errors.Is(err, session.ErrInvalidArgument), "speed %g", speed)
	}
	assert.Empty(t, f.driver.Actions())

	err := f.coord.Playback(ctx, "missing", 1, nil)
	assert.True(t, errors.Is(err, session.ErrNotFound))

	require.NoError(t, f.sess.Disconnect(ctx))
	err = f.coord.Playback(ctx, "r1-p", 1, nil)
	assert.True(t, errors.Is(err, session.ErrInvalidState))
}

func TestCoordinator_PlaybackConflictAndCancel(t *testing.T) {
	f := setup(t, 50)
	require.NoError(t, f.store.Save(testRecording("r1", "r1-slow", time.Now(), 0, 5)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	first := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- f.coord.Playback(ctx, "r1-slow", 1, func(int, Frame) {
			once.Do(func() { close(first) })
		})
	}()
	<-first

	err := f.coord.Playback(context.Background(), "r1-slow", 1, nil)
	assert.True(t, errors.Is(err, session.ErrConflict))

	cancel()
	select {
	case err := <-result:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("playback ignored cancellation")
	}
	assert.Len(t, f.driver.Actions(), 1)
}

// failingStore refuses to save until fail is cleared.
type failingStore struct {
	*FileStore

	mu   sync.Mutex
	fail error
}

func (s *failingStore) Save(rec *Recording) error {
	s.mu.Lock()
	err := s.fail
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.FileStore.Save(rec)
}

func (s *failingStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func TestCoordinator_StopRetriesAfterSaveFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t, 100)
	store := &failingStore{FileStore: f.store}
	c := NewCoordinator(sessions{"r1": f.sess}, store, Options{SampleRate: 100})
	t.Cleanup(c.Shutdown)

	id, err := c.Start(ctx, "r1")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	store.setFail(errors.New("disk full"))
	_, err = c.Stop(ctx, id, "first")
	require.Error(t, err)

	_, busy := c.Active("r1")
	assert.False(t, busy, "robot is released after the capture stopped")

	// a new capture on the same robot must not disturb the unsaved one
	other, err := c.Start(ctx, "r1")
	require.NoError(t, err)

	store.setFail(nil)
	rec, err := c.Stop(ctx, id, "retry")
	require.NoError(t, err)
	assert.Equal(t, "retry", rec.Name)
	assert.NotEmpty(t, rec.Frames)

	active, ok := c.Active("r1")
	assert.True(t, ok)
	assert.Equal(t, other, active)

	loaded, err := f.store.Load(id)
	require.NoError(t, err)
	assert.Len(t, loaded.Frames, len(rec.Frames))

	_, err = c.Stop(ctx, other, "")
	require.NoError(t, err)
}
