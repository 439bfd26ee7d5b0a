package websocket

import (
	"sync"

	"github.com/panjf2000/ants"
)

// TaskPool runs connection pumps on a bounded set of goroutines.
type TaskPool struct {
	pool        *ants.Pool
	releaseOnce sync.Once
}

func NewTaskPool(size int) (*TaskPool, error) {
	p, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &TaskPool{pool: p}, nil
}

func (tp *TaskPool) Submit(task func()) error {
	return tp.pool.Submit(task)
}

// Running returns the number of live workers, idle ones included.
func (tp *TaskPool) Running() int {
	return tp.pool.Running()
}

// Release stops the pool. Calling it again is a no-op.
func (tp *TaskPool) Release() {
	tp.releaseOnce.Do(func() {
		tp.pool.Release()
	})
}
