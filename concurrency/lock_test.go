package concurrency

import "testing"

func TestBuildLockSharedAllowsConcurrentHolders(t *testing.T) {
	b := NewBuildLock()
	b.AcquireShared()
	b.AcquireShared()
	b.ReleaseShared()
	b.ReleaseShared()
}

func TestBuildLockExclusiveThenShared(t *testing.T) {
	b := NewBuildLock()
	if err := b.AcquireExclusive(); err != nil {
		t.Fatalf("acquire exclusive: %v", err)
	}
	b.ReleaseExclusive()

	b.AcquireShared()
	b.ReleaseShared()
}

func TestStructureLockPassthrough(t *testing.T) {
	l := NewStructureLock()
	l.Lock()
	l.Unlock()
	l.RLock()
	l.RLock()
	l.RUnlock()
	l.RUnlock()
}
