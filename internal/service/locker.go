package service

import (
	"context"
	"sync"
)

// PaymentLocker 单条支付记录的互斥锁
type PaymentLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type keyedLockEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker 进程内按 key 互斥的锁，等待可被 ctx 取消
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[string]*keyedLockEntry
}

// NewKeyedLocker 创建进程内锁
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[string]*keyedLockEntry)}
}

// Lock 获取 key 对应的锁，返回释放函数
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &keyedLockEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			l.release(key, entry)
		})
	}, nil
}

func (l *KeyedLocker) release(key string, entry *keyedLockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, key)
	}
}
