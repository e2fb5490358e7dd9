package auth

import (
	"context"
	"sync"
)

// pairLocks serializes token issuance per (client, user) pair. Entries exist
// only while someone holds or waits for them.
type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*pairLock
}

type pairLock struct {
	sem  chan struct{}
	refs int
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[string]*pairLock)}
}

func pairKey(clientID, userID string) string {
	return clientID + "\x00" + userID
}

// acquire blocks until the lock for key is held or ctx is done.
func (p *pairLocks) acquire(ctx context.Context, key string) (func(), error) {
	p.mu.Lock()
	l := p.locks[key]
	if l == nil {
		l = &pairLock{sem: make(chan struct{}, 1)}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		p.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			p.release(key, l)
		})
	}, nil
}

func (p *pairLocks) release(key string, l *pairLock) {
	p.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, key)
	}
	p.mu.Unlock()
}

func (p *pairLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
