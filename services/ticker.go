package services

import (
	"sync"
	"sync/atomic"
	"time"
)

// Ticker runs a task on a fixed period with at most one run in flight.
// A tick that fires while the previous run is still going is skipped, not
// queued. Stop guarantees that no new run begins after it returns; a run
// that is already in flight is left to finish on its own.
type Ticker struct {
	period time.Duration
	task   func()
	onSkip func()

	mu      sync.Mutex
	stop    chan struct{}
	running bool

	inFlight atomic.Bool
	skipped  atomic.Uint64
}

func NewTicker(period time.Duration, task func()) *Ticker {
	return &Ticker{period: period, task: task}
}

// OnSkip registers a callback invoked whenever a tick is skipped.
func (t *Ticker) OnSkip(fn func()) {
	t.mu.Lock()
	t.onSkip = fn
	t.mu.Unlock()
}

// Start begins ticking. It returns false if the ticker is already running.
func (t *Ticker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return false
	}
	t.stop = make(chan struct{})
	t.running = true
	go t.run(t.stop)
	return true
}

// Stop halts future ticks. It returns false if the ticker was not running.
func (t *Ticker) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false
	}
	close(t.stop)
	t.running = false
	return true
}

func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Busy reports whether a run is in flight.
func (t *Ticker) Busy() bool { return t.inFlight.Load() }

// Skipped is the number of ticks dropped because a run was in flight.
func (t *Ticker) Skipped() uint64 { return t.skipped.Load() }

func (t *Ticker) run(stop <-chan struct{}) {
	tk := time.NewTicker(t.period)
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C:
			t.fire(stop)
		}
	}
}

// fire checks the stop channel under the same lock Stop takes, so a tick
// racing with Stop either starts before Stop returns or not at all.
func (t *Ticker) fire(stop <-chan struct{}) {
	t.mu.Lock()
	select {
	case <-stop:
		t.mu.Unlock()
		return
	default:
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		onSkip := t.onSkip
		t.mu.Unlock()
		if onSkip != nil {
			onSkip()
		}
		return
	}
	t.mu.Unlock()

	go func() {
		defer t.inFlight.Store(false)
		t.task()
	}()
}
