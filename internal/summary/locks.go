package summary

import (
	"context"
	"sync"
)

// chatLocks hands out one exclusive slot per chat. Idle entries are removed
// so the map does not grow with every chat ever seen.
type chatLocks struct {
	mu    sync.Mutex
	chats map[int64]*chatLock
}

type chatLock struct {
	slot chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{chats: make(map[int64]*chatLock)}
}

// acquire blocks until the chat's slot is free or ctx is done.
func (l *chatLocks) acquire(ctx context.Context, chatID int64) (func(), error) {
	l.mu.Lock()
	cl, ok := l.chats[chatID]
	if !ok {
		cl = &chatLock{slot: make(chan struct{}, 1)}
		l.chats[chatID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(chatID, cl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-cl.slot
			l.release(chatID, cl)
		})
	}, nil
}

func (l *chatLocks) release(chatID int64, cl *chatLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.chats, chatID)
	}
}

func (l *chatLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chats)
}
