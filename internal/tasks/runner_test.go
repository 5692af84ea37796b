package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmitRetriesUntilSuccess(t *testing.T) {
	runner := NewRunner(zap.NewNop(), RunnerOptions{MaxRetries: 3, RetryDelay: time.Millisecond})

	var attempts int32
	runner.Submit("flaky", func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	runner.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	select {
	case taskErr := <-runner.Errors():
		t.Fatalf("unexpected terminal error: %v", taskErr.Err)
	default:
	}
}

func TestSubmitReportsTerminalFailure(t *testing.T) {
	runner := NewRunner(zap.NewNop(), RunnerOptions{MaxRetries: 2, RetryDelay: time.Millisecond})

	boom := errors.New("boom")
	runner.Submit("doomed", func(ctx context.Context) error {
		return boom
	})
	runner.Wait()

	select {
	case taskErr := <-runner.Errors():
		assert.Equal(t, "doomed", taskErr.Task)
		assert.ErrorIs(t, taskErr.Err, boom)
	default:
		t.Fatal("expected a terminal task error")
	}
}

func TestSubmitDoesNotBlockCaller(t *testing.T) {
	runner := NewRunner(zap.NewNop(), RunnerOptions{MaxRetries: 1, RetryDelay: time.Millisecond})

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		runner.Submit("slow", func(ctx context.Context) error {
			<-release
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a slow task")
	}
	close(release)
	runner.Wait()
}

func TestTaskContextHasTimeout(t *testing.T) {
	runner := NewRunner(zap.NewNop(), RunnerOptions{MaxRetries: 1, RetryDelay: time.Millisecond, Timeout: time.Millisecond})

	runner.Submit("deadline", func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now(), deadline, time.Second)
		return nil
	})
	runner.Wait()
}
