package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultTaskTimeout = time.Minute

// Tasks runs fire-and-forget remote calls. Callers do not wait on them;
// failures are logged and reported to the optional completion hook.
type Tasks struct {
	wg      sync.WaitGroup
	logger  *zap.Logger
	timeout time.Duration
	onDone  func(name string, err error)
}

func NewTasks(logger *zap.Logger, onDone func(name string, err error)) *Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tasks{
		logger:  logger,
		timeout: defaultTaskTimeout,
		onDone:  onDone,
	}
}

// Go starts fn on its own goroutine with a context detached from any
// request.
func (t *Tasks) Go(name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		err := fn(ctx)
		if err != nil {
			t.logger.Warn("background task failed",
				zap.String("task", name),
				zap.Error(err))
		}
		if t.onDone != nil {
			t.onDone(name, err)
		}
	}()
}

// Wait blocks until every started task has finished.
func (t *Tasks) Wait() {
	t.wg.Wait()
}
