// Package memguard implements the default securebox.Secret engine backed by
// github.com/awnumar/memguard's locked buffers.
package memguard

import (
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/lockboxhq/envelope/securebox"
	"github.com/lockboxhq/envelope/securebox/internal/memcall"
	"github.com/lockboxhq/envelope/securebox/internal/secrets"
)

// AllocTimer records the time taken to allocate a secret.
var AllocTimer = metrics.GetOrRegisterTimer("securebox.memguard.alloctimer", nil)

type secretError string

func (e secretError) Error() string {
	return string(e)
}

const (
	secretCreateErr secretError = "memguard buffer creation failed"
	secretClosedErr secretError = "secret has already been destroyed"
)

// secret stores data in protected page(s) of memory. Always call Close after
// use to avoid leaking locked memory.
type secret struct {
	buffer        *memguard.LockedBuffer
	mc            memcall.Interface
	rw            *sync.RWMutex
	c             *sync.Cond
	closing       bool
	accessCounter int
}

// WithBytes makes the underlying bytes readable and passes them to action. A
// reference MUST NOT be kept to the bytes after action returns.
func (s *secret) WithBytes(action func([]byte) error) (err error) {
	if err = s.access(); err != nil {
		return
	}

	defer func() {
		if err2 := s.release(); err2 != nil {
			if err == nil {
				err = err2
				return
			}

			err = errors.WithMessage(err, err2.Error())

			return
		}
	}()

	return action(s.buffer.Bytes())
}

// WithBytesFunc makes the underlying bytes readable and passes them to
// action, returning the slice action produces.
func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	if err = s.access(); err != nil {
		return
	}

	defer func() {
		if err2 := s.release(); err2 != nil {
			if err == nil {
				err = err2
				return
			}

			err = errors.WithMessage(err, err2.Error())

			return
		}
	}()

	return action(s.buffer.Bytes())
}

// IsClosed reports whether the underlying container has already been closed.
func (s *secret) IsClosed() bool {
	s.rw.RLock()
	defer s.rw.RUnlock()

	return !s.buffer.IsAlive()
}

// Close closes the data container and frees any associated memory, blocking
// until any in-flight access releases.
func (s *secret) Close() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.closing = true

	for {
		if !s.buffer.IsAlive() {
			return nil
		}

		if s.accessCounter == 0 {
			s.buffer.Destroy()

			securebox.InUseCounter.Dec(1)

			return nil
		}

		s.c.Wait()
	}
}

// access marks the data region readable, if needed.
func (s *secret) access() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.closing || !s.buffer.IsAlive() {
		return errors.WithStack(secretClosedErr)
	}

	if s.accessCounter == 0 {
		if err := s.mc.Protect(s.buffer.Inner(), memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as read-only")
		}
	}
	s.accessCounter++

	return nil
}

// release marks the data region inaccessible, if we're the last accessor.
func (s *secret) release() error {
	s.rw.Lock()
	defer s.rw.Unlock()
	defer s.c.Broadcast()

	s.accessCounter--
	if s.accessCounter == 0 {
		if err := s.mc.Protect(s.buffer.Inner(), memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as no-access")
		}
	}

	return nil
}

// NewReader returns an io.Reader reading from s.
func (s *secret) NewReader() io.Reader {
	return secrets.NewReader(s)
}

// Factory creates memguard-based Secret implementations.
type Factory struct {
	mc memcall.Interface
}

func (f *Factory) memcall() memcall.Interface {
	if f.mc == nil {
		f.mc = memcall.Default
	}

	return f.mc
}

// New takes a byte slice and returns a memguard-backed Secret containing that
// data. The caller's slice is wiped before New returns.
func (f *Factory) New(b []byte) (securebox.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	lb := memguard.NewBufferFromBytes(b)

	return f.newFromBuffer(lb)
}

func (f *Factory) newFromBuffer(lb *memguard.LockedBuffer) (*secret, error) {
	if !lb.IsAlive() {
		return nil, errors.WithStack(secretCreateErr)
	}

	if err := f.memcall().Protect(lb.Inner(), memcall.NoAccess()); err != nil {
		if err2 := memcall.Clean(f.memcall(), lb.Inner()); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	securebox.AllocCounter.Inc(1)
	securebox.InUseCounter.Inc(1)

	rw := new(sync.RWMutex)

	return &secret{
		rw:     rw,
		c:      sync.NewCond(rw),
		mc:     f.memcall(),
		buffer: lb,
	}, nil
}

// CreateRandom returns a memguard-backed Secret containing a random byte
// slice of the given size.
func (f *Factory) CreateRandom(size int) (securebox.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	lb := memguard.NewBufferRandom(size)

	return f.newFromBuffer(lb)
}
