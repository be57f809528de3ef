// Package pool schedules device sessions over one shared radio. At most one
// session is active at a time; the rest wait Idle (or Complete) for their
// turn.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcuadros/go-defaults"

	"github.com/chaz8081/bms-monitor/internal/ble"
	"github.com/chaz8081/bms-monitor/internal/session"
	"github.com/chaz8081/bms-monitor/internal/upload"
)

var (
	// ErrNoDevices is returned when the pool has nothing to schedule.
	ErrNoDevices = errors.New("pool: no devices configured")
	// ErrNoTelemetry is returned by RunSingle when the device gave up before
	// sending telemetry.
	ErrNoTelemetry = errors.New("pool: no telemetry received")
)

// IndexStore persists the index of the last device served by RunSingle.
type IndexStore interface {
	LoadLastIndex() (int, error)
	SaveLastIndex(index int) error
}

// Options tunes scheduling. Zero fields take the tagged defaults.
type Options struct {
	TickInterval time.Duration `default:"100ms"`
	// MaxAttempts failed attempts skip a device for the rest of the cycle.
	// Zero retries forever.
	MaxAttempts int
	// ReconnectMax caps the retry backoff, in seconds.
	ReconnectMax int `default:"30"`
}

type retry struct {
	seen      int
	notBefore time.Time
}

// Pool owns the sessions and the transport they share.
type Pool struct {
	transport ble.Transport
	sessions  []*session.Session
	uploader  upload.Uploader
	opts      Options
	log       *slog.Logger

	retries []retry
	now     func() time.Time
}

// New creates a pool over sessions, which must all use transport.
func New(transport ble.Transport, sessions []*session.Session, uploader upload.Uploader, opts Options, logger *slog.Logger) *Pool {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		transport: transport,
		sessions:  sessions,
		uploader:  uploader,
		opts:      opts,
		log:       logger,
		retries:   make([]retry, len(sessions)),
		now:       time.Now,
	}
}

func (p *Pool) Sessions() []*session.Session { return p.sessions }

// Tick runs one scheduling step. When every device has yielded telemetry
// (or been skipped) the cycle is uploaded and reset. Otherwise pending
// transport events are delivered and the first unfinished device is
// started or advanced.
func (p *Pool) Tick(ctx context.Context) {
	if len(p.sessions) == 0 {
		return
	}
	if p.cycleDone() {
		p.finishCycle(ctx)
		return
	}

	p.drain()
	if i := p.current(); i >= 0 {
		p.step(i)
	}
	p.trackFailures()
}

// Run ticks until ctx is cancelled, then tears down any active session.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.sessions) == 0 {
		return ErrNoDevices
	}
	p.log.Info("[POOL] starting", "devices", len(p.sessions), "tick", p.opts.TickInterval)

	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// RunSingle serves exactly one device: the one after the index saved by the
// previous run. It returns once that device has sent telemetry and been
// uploaded, or has failed max(MaxAttempts, 1) times. The next index is
// saved either way so a dead device cannot stall the rotation.
func (p *Pool) RunSingle(ctx context.Context, store IndexStore) error {
	n := len(p.sessions)
	if n == 0 {
		return ErrNoDevices
	}

	last, err := store.LoadLastIndex()
	if err != nil {
		p.log.Warn("[POOL] could not load last index, starting over", "error", err)
		last = -1
	}
	i := (last + 1) % n
	if i < 0 {
		i = 0
	}
	s := p.sessions[i]
	s.Reset()
	p.retries[i] = retry{}
	p.log.Info("[POOL] single run", "index", i, "device", s.Device().Name)

	defer func() {
		if err := store.SaveLastIndex(i); err != nil {
			p.log.Warn("[POOL] could not save last index", "index", i, "error", err)
		}
	}()

	limit := p.opts.MaxAttempts
	if limit < 1 {
		limit = 1
	}

	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}

		p.drain()
		if s.HasTelemetry() {
			p.uploader.Upload(ctx, []upload.Report{p.report(s)})
			s.Reset()
			return nil
		}
		if s.State() == session.Idle && s.Failures() >= limit {
			return fmt.Errorf("pool: %s after %d attempts: %w", s.Device().Name, s.Failures(), ErrNoTelemetry)
		}
		p.step(i)
		p.trackFailures()
	}
}

// step starts session i if it is Idle and its backoff has elapsed, or
// advances it otherwise.
func (p *Pool) step(i int) {
	s := p.sessions[i]
	if s.State() != session.Idle {
		s.Tick()
		return
	}
	if p.now().Before(p.retries[i].notBefore) {
		return
	}
	if err := s.Connect(); err != nil {
		p.log.Warn("[POOL] could not start session", "device", s.Device().Name, "error", err)
	}
}

// drain delivers every pending transport event to every session. Sessions
// ignore events that are not theirs.
func (p *Pool) drain() {
	for {
		ev, ok := p.transport.Next()
		if !ok {
			return
		}
		for _, s := range p.sessions {
			s.Handle(ev)
		}
	}
}

// current returns the first session still owed telemetry this cycle, or -1.
func (p *Pool) current() int {
	for i, s := range p.sessions {
		if !s.HasTelemetry() && !p.skipped(s) {
			return i
		}
	}
	return -1
}

func (p *Pool) skipped(s *session.Session) bool {
	return p.opts.MaxAttempts > 0 &&
		s.Failures() >= p.opts.MaxAttempts &&
		s.State() == session.Idle
}

func (p *Pool) cycleDone() bool {
	return p.current() < 0
}

// trackFailures arms the backoff for sessions that failed since last seen.
func (p *Pool) trackFailures() {
	now := p.now()
	for i, s := range p.sessions {
		r := &p.retries[i]
		if f := s.Failures(); f > r.seen {
			r.seen = f
			r.notBefore = now.Add(backoffDelay(f-1, p.opts.ReconnectMax))
			p.log.Info("[POOL] retry scheduled", "device", s.Device().Name, "failures", f, "not_before", r.notBefore)
		}
	}
}

func (p *Pool) finishCycle(ctx context.Context) {
	var reports []upload.Report
	for _, s := range p.sessions {
		if s.HasTelemetry() {
			reports = append(reports, p.report(s))
		} else {
			p.log.Warn("[POOL] device skipped this cycle", "device", s.Device().Name, "failures", s.Failures())
		}
	}
	if len(reports) > 0 {
		p.uploader.Upload(ctx, reports)
	}
	p.log.Info("[POOL] cycle complete", "reported", len(reports), "devices", len(p.sessions))

	for i, s := range p.sessions {
		s.Reset()
		p.retries[i] = retry{}
	}
}

func (p *Pool) report(s *session.Session) upload.Report {
	rec := s.Records()
	r := upload.Report{
		Name:      s.Device().Name,
		Address:   s.Device().Address,
		At:        p.now(),
		Telemetry: &rec.Telemetry,
	}
	if rec.HasIdentity {
		r.Identity = &rec.Identity
	}
	if rec.HasSettings {
		r.Settings = &rec.Settings
	}
	return r
}

func (p *Pool) shutdown() {
	for _, s := range p.sessions {
		if s.Active() {
			s.ForceDisconnect()
		}
	}
}
