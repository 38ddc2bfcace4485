package classifier

import (
	"os"
	"sync"
	"time"
)

// TempFile is a spooled upload that is removed exactly once: by Release, or
// by its expiry timer if Release is never reached.
type TempFile struct {
	*os.File

	once  sync.Once
	timer *time.Timer
	err   error
}

// NewTempFile creates a file in dir (os.TempDir when empty) that deletes
// itself after ttl.
func NewTempFile(dir, pattern string, ttl time.Duration) (*TempFile, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	t := &TempFile{File: f}
	t.timer = time.AfterFunc(ttl, func() { _ = t.release() })
	return t, nil
}

// Release closes and removes the file and cancels the expiry timer. It is
// safe to call more than once.
func (t *TempFile) Release() error {
	return t.release()
}

func (t *TempFile) release() error {
	t.once.Do(func() {
		t.timer.Stop()
		name := t.File.Name()
		_ = t.File.Close()
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			t.err = err
		}
	})
	return t.err
}
