package threadpool

import (
	"context"
	"github.com/spirit-labs/proxyrpc/common"
	"github.com/spirit-labs/proxyrpc/errors"
	log "github.com/spirit-labs/proxyrpc/logger"
	"golang.org/x/sync/semaphore"
	"sync"
)

// Pool runs dispatched work on goroutines, at most size at a time. Dispatch never blocks the caller, so it is safe
// to dispatch from within dispatched work.
type Pool struct {
	name      string
	sem       *semaphore.Weighted
	lock      sync.Mutex
	destroyed bool
	wg        sync.WaitGroup
}

func New(name string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		name: name,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Dispatch runs f on the pool. It returns CommunicatorDestroyed once the pool has been destroyed.
func (p *Pool) Dispatch(f func()) error {
	p.lock.Lock()
	if p.destroyed {
		p.lock.Unlock()
		return errors.NewCommunicatorDestroyedError()
	}
	p.wg.Add(1)
	p.lock.Unlock()
	common.Go(func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			// Can't happen with a background context
			log.Errorf("thread pool %s failed to acquire: %v", p.name, err)
			return
		}
		defer p.sem.Release(1)
		defer common.RecoverAndLog("thread pool " + p.name)
		f()
	})
	return nil
}

// Destroy rejects further work and waits for dispatched work to complete. It must not be called from dispatched
// work.
func (p *Pool) Destroy() {
	p.lock.Lock()
	p.destroyed = true
	p.lock.Unlock()
	p.wg.Wait()
}
