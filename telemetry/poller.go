package telemetry

import (
	"sync"
	"time"
)

// Rates are per-second deltas between two snapshots.
type Rates struct {
	CommandsPerSecond     float64
	FailedPerSecond       float64
	BytesWrittenPerSecond float64
	BytesReadPerSecond    float64
}

// Poller samples Snapshot on an interval and keeps the latest rates.
type Poller struct {
	interval time.Duration
	now      func() time.Time
	onSample func(Stats, Rates)

	mu       sync.RWMutex
	last     Stats
	lastTime time.Time
	rates    Rates

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPoller creates a poller. onSample, if non-nil, is called after each sample.
func NewPoller(interval time.Duration, onSample func(Stats, Rates)) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		interval: interval,
		now:      time.Now,
		onSample: onSample,
		stopCh:   make(chan struct{}),
	}
}

// Start begins sampling in a background goroutine.
func (p *Poller) Start() {
	p.sample()
	p.wg.Add(1)
	go p.loop()
}

// Stop stops the poller and waits for the loop to exit. It is safe to call twice.
func (p *Poller) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Rates returns the rates computed by the most recent sample.
func (p *Poller) Rates() Rates {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rates
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sample()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Poller) sample() {
	cur := Snapshot()
	now := p.now()

	p.mu.Lock()
	var r Rates
	if !p.lastTime.IsZero() {
		if secs := now.Sub(p.lastTime).Seconds(); secs > 0 {
			r = Rates{
				CommandsPerSecond:     float64(cur.TotalCommands-p.last.TotalCommands) / secs,
				FailedPerSecond:       float64(cur.FailedCommands-p.last.FailedCommands) / secs,
				BytesWrittenPerSecond: float64(cur.BytesWritten-p.last.BytesWritten) / secs,
				BytesReadPerSecond:    float64(cur.BytesRead-p.last.BytesRead) / secs,
			}
		}
	}
	p.last, p.lastTime, p.rates = cur, now, r
	cb := p.onSample
	p.mu.Unlock()

	if cb != nil {
		cb(cur, r)
	}
}
