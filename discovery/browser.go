package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRestarts bounds consecutive search restarts after errors.
	DefaultMaxRestarts = 8
	// DefaultRestartBackoff is the delay before the second restart; the
	// first restart is immediate.
	DefaultRestartBackoff = 100 * time.Millisecond

	maxRestartBackoff = 5 * time.Second
)

// errWatchEnded is reported when a Watcher returns without an error while
// the search is still active.
var errWatchEnded = errors.New("discovery: watch ended unexpectedly")

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	Watcher     Watcher
	ServiceType string
	Domain      string

	// MaxRestarts is how many consecutive failed searches are restarted
	// before the browser gives up. Zero means DefaultMaxRestarts; a
	// negative value disables restarts.
	MaxRestarts int
	// RestartBackoff is the base delay between restarts after the first.
	RestartBackoff time.Duration
	// HealthyAfter is how long a watch must run before its failure stops
	// counting toward MaxRestarts. Zero means 5s. Delivered batches alone
	// do not reset the count.
	HealthyAfter time.Duration

	// OnChange receives the full service set after each completed batch.
	OnChange func([]ServiceDescriptor)
	// OnError receives every discovery failure. restarting is false when
	// the browser has given up.
	OnError func(err error, restarting bool)

	Logger *slog.Logger
}

// Browser maintains the set of currently visible services. Callbacks run
// on the browser's own goroutine and must not call StopSearch or
// StartSearch synchronously.
type Browser struct {
	cfg    BrowserConfig
	logger *slog.Logger

	mu       sync.Mutex
	services ServiceSet
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBrowser creates a Browser.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = maxRestartBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Browser{cfg: cfg, logger: cfg.Logger}
}

// StartSearch clears the service set and begins watching. A search
// already in progress is stopped first.
func (b *Browser) StartSearch() {
	b.StopSearch()

	b.mu.Lock()
	b.services.Clear()
	b.failures = 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	b.logger.Info("searching for services", "type", b.cfg.ServiceType, "domain", b.cfg.Domain)
	go b.run(ctx, done)
}

// StopSearch stops watching. The service set is left as it was.
func (b *Browser) StopSearch() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.logger.Info("service search stopped")
}

// Searching reports whether a search is active.
func (b *Browser) Searching() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

// Services returns a copy of the current service set.
func (b *Browser) Services() []ServiceDescriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.services.Snapshot()
}

// Lookup returns the visible service with the given name.
func (b *Browser) Lookup(name string) (ServiceDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.services.Find(name)
}

func (b *Browser) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		started := time.Now()
		err := b.cfg.Watcher.Watch(ctx, b.cfg.ServiceType, b.cfg.Domain, func(batch Batch) {
			b.apply(ctx, batch)
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errWatchEnded
		}

		b.mu.Lock()
		if time.Since(started) >= b.cfg.HealthyAfter {
			b.failures = 0
		}
		b.failures++
		attempt := b.failures
		b.mu.Unlock()

		if b.cfg.MaxRestarts < 0 || attempt > b.cfg.MaxRestarts {
			b.logger.Error("service search failed, giving up", "error", err, "attempts", attempt)
			b.mu.Lock()
			var cancel context.CancelFunc
			if b.done == done {
				cancel = b.cancel
				b.cancel, b.done = nil, nil
			}
			b.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			b.notifyError(err, false)
			return
		}
		b.logger.Warn("service search failed, restarting", "error", err, "attempt", attempt)
		b.notifyError(err, true)

		if delay := restartDelay(b.cfg.RestartBackoff, attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		// A restart is a stop followed by a start, which clears the set.
		b.mu.Lock()
		cleared := b.services.Clear()
		b.mu.Unlock()
		if cleared && b.cfg.OnChange != nil {
			b.cfg.OnChange(nil)
		}
	}
}

func (b *Browser) apply(ctx context.Context, batch Batch) {
	if batch.Empty() {
		return
	}
	b.mu.Lock()
	if ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	b.services.Apply(batch)
	snapshot := b.services.Snapshot()
	b.mu.Unlock()

	for _, d := range batch.Added {
		b.logger.Debug("service found", "name", d.Name, "port", d.Port)
	}
	for _, d := range batch.Removed {
		b.logger.Debug("service removed", "name", d.Name)
	}
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(snapshot)
	}
}

func (b *Browser) notifyError(err error, restarting bool) {
	if b.cfg.OnError != nil {
		b.cfg.OnError(err, restarting)
	}
}

// restartDelay is zero for the first restart and doubles from base after.
func restartDelay(base time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= maxRestartBackoff {
			return maxRestartBackoff
		}
	}
	return delay
}
