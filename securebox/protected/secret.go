// Package protected implements an alternate securebox.Secret engine backed
// directly by raw page-locked memory, without delegating buffer management
// to memguard. It trades memguard's canary/tripwire protections for direct
// control over the allocation, useful when an embedder already runs its own
// memguard instance elsewhere in the process.
package protected

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	// NOTE: if this import of core is ever removed, add an init func that
	// calls memcall.DisableCoreDumps.
	"github.com/awnumar/memguard/core"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/lockboxhq/envelope/pkg/log"
	"github.com/lockboxhq/envelope/securebox"
	"github.com/lockboxhq/envelope/securebox/internal/memcall"
	"github.com/lockboxhq/envelope/securebox/internal/secrets"
)

// AllocTimer records the time taken to allocate a secret.
var AllocTimer = metrics.GetOrRegisterTimer("securebox.protected.alloctimer", nil)

type secretError string

func (e secretError) Error() string {
	return string(e)
}

const secretClosedErr secretError = "secret has already been destroyed"

// secret stores data in protected page(s) of memory. Always call Close after
// use to avoid leaking locked memory.
type secret struct {
	*secretInternal
	// dummy carries the finalizer so attaching it doesn't keep secret itself
	// reachable.
	dummy *bool
}

// secretInternal separates the finalizable state from secret so the
// finalizer never holds a reference to secret directly.
type secretInternal struct {
	bytes   []byte
	mc      memcall.Interface
	rw      *sync.RWMutex
	c       *sync.Cond
	closing bool
	closed  bool

	// stack is a formatted stack trace captured at creation, set only when
	// debug logging is enabled.
	stack        []byte
	externalAddr string

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

	return action(s.bytes)
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

	return action(s.bytes)
}

// IsClosed reports whether the container has already been closed.
func (s *secret) IsClosed() bool {
	return s.isClosed()
}

// NewReader returns an io.Reader reading from s.
func (s *secret) NewReader() io.Reader {
	return secrets.NewReader(s)
}

func (s *secretInternal) access() (err error) {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.closing || s.closed {
		return errors.WithStack(secretClosedErr)
	}

	if s.accessCounter == 0 {
		if err := s.mc.Protect(s.bytes, memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as read-only")
		}
	}
	s.accessCounter++

	return nil
}

func (s *secretInternal) release() error {
	s.rw.Lock()
	defer s.rw.Unlock()
	defer s.c.Broadcast()

	s.accessCounter--
	if s.accessCounter == 0 {
		if err := s.mc.Protect(s.bytes, memcall.NoAccess()); err != nil {
			return errors.WithMessage(err, "unable to mark memory as no-access")
		}
	}

	return nil
}

func (s *secretInternal) isClosed() bool {
	s.rw.RLock()
	defer s.rw.RUnlock()

	return s.closed
}

func (s *secretInternal) Finalize() {
	s.rw.Lock()
	if !s.closing {
		log.Debugf("finalized before closed: secret(%s){inner(%p)}\n%s\n", s.externalAddr, s, s.stack)
	}
	s.rw.Unlock()

	s.Close()
}

// Close closes the data container and frees any associated memory.
func (s *secretInternal) Close() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.closing = true

	for {
		if s.closed {
			return nil
		}

		if s.accessCounter == 0 {
			return s.close()
		}

		s.c.Wait()
	}
}

// close is the actual teardown; kept on secretInternal so the finalizer can
// call it without referencing secret.
func (s *secretInternal) close() (err error) {
	if err := s.mc.Protect(s.bytes, memcall.ReadWrite()); err != nil {
		return err
	}

	core.Wipe(s.bytes)

	if err := unlockMemory(s.bytes); err != nil {
		return err
	}

	if err := s.mc.Free(s.bytes); err != nil {
		return err
	}

	s.bytes = nil
	s.closed = true

	securebox.InUseCounter.Dec(1)

	return nil
}

// Factory creates protected-memory based Secret implementations.
type Factory struct {
	mc memcall.Interface
}

func (f *Factory) memcall() memcall.Interface {
	if f.mc == nil {
		f.mc = memcall.Default
	}

	return f.mc
}

// New takes a byte slice and returns a protected-memory backed Secret
// containing that data. The caller's slice is wiped before New returns.
func (f *Factory) New(b []byte) (securebox.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	s, err := newSecret(len(b), f.memcall())
	if err != nil {
		return nil, err
	}

	subtle.ConstantTimeCopy(1, s.bytes, b)
	core.Wipe(b)

	if err := f.memcall().Protect(s.bytes, memcall.NoAccess()); err != nil {
		if err2 := memcall.Clean(f.memcall(), s.bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	securebox.AllocCounter.Inc(1)
	securebox.InUseCounter.Inc(1)

	return s, nil
}

// CreateRandom returns a protected-memory backed Secret containing a random
// byte slice of the given size.
func (f *Factory) CreateRandom(size int) (securebox.Secret, error) {
	return f.createRandom(size, rand.Read)
}

func (f *Factory) createRandom(size int, readFunc func(b []byte) (n int, err error)) (securebox.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	s, err := newSecret(size, f.memcall())
	if err != nil {
		return nil, err
	}

	if _, err := readFunc(s.bytes); err != nil {
		if err2 := memcall.Clean(f.memcall(), s.bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	if err := f.memcall().Protect(s.bytes, memcall.NoAccess()); err != nil {
		if err2 := f.memcall().Unlock(s.bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		if err2 := f.memcall().Free(s.bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	securebox.AllocCounter.Inc(1)
	securebox.InUseCounter.Inc(1)

	return s, nil
}

// newSecret allocates and locks the page(s) backing a new secret of the
// given size.
func newSecret(size int, mc memcall.Interface) (*secret, error) {
	if size < 1 {
		return nil, errors.New("invalid secret length")
	}

	bytes, err := mc.Alloc(size)
	if err != nil {
		return nil, err
	}

	if err := lockMemory(bytes); err != nil {
		if err2 := mc.Free(bytes); err2 != nil {
			err = errors.Wrap(err, err2.Error())
		}

		return nil, err
	}

	rw := new(sync.RWMutex)
	internal := &secretInternal{
		rw:    rw,
		c:     sync.NewCond(rw),
		mc:    mc,
		bytes: bytes,
	}

	s := &secret{
		secretInternal: internal,
		dummy:          new(bool),
	}

	if log.DebugEnabled() {
		internal.externalAddr = fmt.Sprintf("%p", s)
		internal.stack = debug.Stack()
	}

	// Finalizer attaches to the dummy field so cleanup runs if Close is never
	// called; it must reach secretInternal, not secret, to avoid keeping the
	// finalized object alive.
	runtime.SetFinalizer(s.dummy, func(_ *bool) {
		go internal.Finalize()
	})

	return s, nil
}
