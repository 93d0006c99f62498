package envelope

import (
	"sync"
	"time"

	"github.com/lockboxhq/envelope/pkg/log"
)

// sessionCleanupProcessor runs a single goroutine that releases evicted
// sessions sequentially, bounding the number of goroutines a cache with a
// high eviction rate would otherwise spawn.
type sessionCleanupProcessor struct {
	workChan chan *sharedEncryption
	done     chan struct{}
	once     sync.Once
}

func newSessionCleanupProcessor() *sessionCleanupProcessor {
	p := &sessionCleanupProcessor{
		workChan: make(chan *sharedEncryption, 10000),
		done:     make(chan struct{}),
	}

	go p.run()

	return p
}

func (p *sessionCleanupProcessor) run() {
	for {
		select {
		case encryption := <-p.workChan:
			log.Debugf("processing session cleanup")
			encryption.release()
		case <-p.done:
			for {
				select {
				case encryption := <-p.workChan:
					encryption.release()
				default:
					return
				}
			}
		}
	}
}

// submit enqueues encryption for release, falling back to a synchronous
// release if the queue is full or already closed.
func (p *sessionCleanupProcessor) submit(encryption *sharedEncryption) {
	defer func() {
		if r := recover(); r != nil {
			log.Debugf("session cleanup processor closed, releasing synchronously")
			encryption.release()
		}
	}()

	select {
	case <-p.done:
		log.Debugf("session cleanup processor closed, releasing synchronously")
		encryption.release()

		return
	default:
	}

	select {
	case p.workChan <- encryption:
	default:
		log.Debugf("session cleanup queue full, releasing synchronously")
		encryption.release()
	}
}

func (p *sessionCleanupProcessor) close() {
	p.once.Do(func() {
		close(p.done)
	})
}

// waitForEmpty polls until the work queue is empty, giving up after about
// two seconds. For use in tests.
func (p *sessionCleanupProcessor) waitForEmpty() {
	for i := 0; i < 200; i++ {
		if len(p.workChan) == 0 {
			time.Sleep(time.Millisecond * 100)
			return
		}

		time.Sleep(time.Millisecond * 10)
	}
}

// globalSessionCleanupProcessor is shared by every session cache in the
// process, so that multiple SessionFactories don't each spin up their own
// cleanup goroutine.
var (
	globalSessionCleanupProcessor     *sessionCleanupProcessor
	globalSessionCleanupProcessorOnce sync.Once
	globalSessionCleanupProcessorMu   sync.Mutex
)

func getSessionCleanupProcessor() *sessionCleanupProcessor {
	globalSessionCleanupProcessorOnce.Do(func() {
		globalSessionCleanupProcessor = newSessionCleanupProcessor()
	})

	return globalSessionCleanupProcessor
}

// resetGlobalSessionCleanupProcessor tears down and clears the global
// cleanup processor. For use in tests only.
func resetGlobalSessionCleanupProcessor() {
	globalSessionCleanupProcessorMu.Lock()
	defer globalSessionCleanupProcessorMu.Unlock()

	if globalSessionCleanupProcessor != nil {
		globalSessionCleanupProcessor.close()
	}

	globalSessionCleanupProcessor = nil
	globalSessionCleanupProcessorOnce = sync.Once{}
}
