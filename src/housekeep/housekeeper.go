package housekeep

import (
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// scheduleSlop delays each wake slightly past the earliest expiration so a
// single pass collects documents expiring at the same instant.
const scheduleSlop = 50 * time.Millisecond

// Housekeeper expires documents for one collection. It sleeps until the
// collection's earliest expiration, purges on the shared worker pool, and
// reschedules from whatever expiration remains.
type Housekeeper struct {
	name string
	pool *ants.Pool

	// nextExpiration returns the earliest pending expiration in unix
	// milliseconds, or 0 when nothing expires.
	nextExpiration func() int64
	// purge deletes every document expired at now and returns the count.
	purge func(now int64) (int, error)

	mu      sync.Mutex
	timer   *time.Timer
	wakeAt  int64
	running bool

	logger *zap.SugaredLogger
}

func New(name string, pool *ants.Pool, nextExpiration func() int64, purge func(int64) (int, error), logger *zap.SugaredLogger) *Housekeeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Housekeeper{
		name:           name,
		pool:           pool,
		nextExpiration: nextExpiration,
		purge:          purge,
		logger:         logger,
	}
}

// Start begins expiration monitoring. Idempotent.
func (h *Housekeeper) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()
	h.schedule(h.nextExpiration())
}

// Stop cancels the pending wake. A purge already running on the pool
// finishes but does not reschedule.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.wakeAt = 0
}

// DocumentChanged tells the housekeeper a document's expiration changed.
// The wake moves earlier when the new expiration comes first.
func (h *Housekeeper) DocumentChanged(expiration int64) {
	if expiration == 0 {
		return
	}
	h.mu.Lock()
	running := h.running
	wakeAt := h.wakeAt
	h.mu.Unlock()
	if !running {
		return
	}
	if wakeAt == 0 || expiration < wakeAt {
		h.schedule(expiration)
	}
}

func (h *Housekeeper) schedule(when int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.wakeAt = when
	if when == 0 {
		return
	}
	delay := time.Until(time.UnixMilli(when)) + scheduleSlop
	if delay < 0 {
		delay = 0
	}
	h.timer = time.AfterFunc(delay, h.wake)
}

func (h *Housekeeper) wake() {
	err := h.pool.Submit(func() {
		h.mu.Lock()
		running := h.running
		h.mu.Unlock()
		if !running {
			return
		}
		now := time.Now().UnixMilli()
		n, err := h.purge(now)
		if err != nil {
			h.logger.Warnf("Expiration pass on %q failed: %v", h.name, err)
		} else if n > 0 {
			h.logger.Infof("Expired %d documents from %q", n, h.name)
		}
		h.schedule(h.nextExpiration())
	})
	if err != nil {
		h.logger.Warnf("Could not submit expiration pass for %q: %v", h.name, err)
	}
}
