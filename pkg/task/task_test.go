package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_StopWaits(t *testing.T) {
	var exited atomic.Bool
	tk := Go(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		exited.Store(true)
	})
	tk.Stop()
	assert.True(t, exited.Load())
}

func TestTask_StopAfterExit(t *testing.T) {
	tk := Go(context.Background(), func(ctx context.Context) {})
	tk.Stop()
	tk.Stop()
}

func TestTask_ParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	tk := Go(parent, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task ignored parent cancellation")
	}
	tk.Stop()
}

func TestTask_StopRepanics(t *testing.T) {
	tk := Go(context.Background(), func(ctx context.Context) { panic("boom") })
	assert.Panics(t, tk.Stop)
}
