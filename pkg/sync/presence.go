package sync

import (
	"sort"
	gosync "sync"
	"time"
)

const (
	// DefaultPresenceExpiry is how long a typing signal stays visible
	// without being renewed.
	DefaultPresenceExpiry = 5 * time.Second

	// DefaultPresenceSweep is how often stale entries are collected.
	DefaultPresenceSweep = 1 * time.Second
)

// Presence aggregates ephemeral typing signals into the set of
// currently-typing participants. Entries expire when not renewed, which
// covers peers that vanish without sending a stop signal. The local
// participant is filtered out so users never see themselves typing.
type Presence struct {
	localName string
	expiry    time.Duration
	sweep     time.Duration
	onChange  func(typing []string)
	now       func() time.Time

	mu        gosync.Mutex
	entries   map[string]time.Time
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewPresence creates an aggregator for one session. onChange receives
// the new membership, sorted by name, after every change; it may be nil.
func NewPresence(localName string, onChange func(typing []string)) *Presence {
	return &Presence{
		localName: localName,
		expiry:    DefaultPresenceExpiry,
		sweep:     DefaultPresenceSweep,
		onChange:  onChange,
		now:       time.Now,
		entries:   make(map[string]time.Time),
	}
}

// Start begins the expiry sweep. Starting a running aggregator is a
// no-op.
func (p *Presence) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})
	stopCh, stoppedCh := p.stopCh, p.stoppedCh
	p.mu.Unlock()

	go p.sweepLoop(stopCh, stoppedCh)
}

// Stop halts the sweep and clears all entries.
func (p *Presence) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh, stoppedCh := p.stopCh, p.stoppedCh
	p.entries = make(map[string]time.Time)
	p.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

// Observe records a typing signal. Signals from the local participant
// are dropped.
func (p *Presence) Observe(sender string) {
	if sender == "" || sender == p.localName {
		return
	}
	p.mu.Lock()
	_, present := p.entries[sender]
	p.entries[sender] = p.now()
	var notify func()
	if !present {
		notify = p.changeNotifierLocked()
	}
	p.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Clear removes a participant after an explicit stop signal.
func (p *Presence) Clear(sender string) {
	p.mu.Lock()
	_, present := p.entries[sender]
	delete(p.entries, sender)
	var notify func()
	if present {
		notify = p.changeNotifierLocked()
	}
	p.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Typing returns the current set of typing participants, sorted by
// name.
func (p *Presence) Typing() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typingLocked()
}

func (p *Presence) typingLocked() []string {
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Presence) changeNotifierLocked() func() {
	if p.onChange == nil {
		return nil
	}
	fn := p.onChange
	typing := p.typingLocked()
	return func() { fn(typing) }
}

func (p *Presence) sweepLoop(stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)
	ticker := time.NewTicker(p.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.expire()
		}
	}
}

func (p *Presence) expire() {
	p.mu.Lock()
	cutoff := p.now().Add(-p.expiry)
	changed := false
	for name, last := range p.entries {
		if !last.After(cutoff) {
			delete(p.entries, name)
			changed = true
		}
	}
	var notify func()
	if changed {
		notify = p.changeNotifierLocked()
	}
	p.mu.Unlock()

	if notify != nil {
		notify()
	}
}
