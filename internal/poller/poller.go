// Package poller watches one source channel. Each tick fetches the newest
// message, decides whether it is new and admissible, hands the notice to the
// dispatcher and waits for the outcome before the channel cursor advances.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/cursor"
	"github.com/edgard/relaybot/internal/dispatch"
	apperrors "github.com/edgard/relaybot/internal/errors"
	"github.com/edgard/relaybot/internal/notice"
	"github.com/edgard/relaybot/internal/resilience"
)

const (
	// DefaultPanicGrace is how long a channel stays paused after a panic.
	DefaultPanicGrace = time.Minute
	// maxRateLimitJitter is added on top of the source's retry-after.
	maxRateLimitJitter = 250 * time.Millisecond
	commitTimeout      = 5 * time.Second
)

// Source returns the newest message of a channel.
type Source interface {
	LatestMessage(ctx context.Context, channelID string) (notice.RawMessage, bool, error)
}

// Parser renders admitted messages.
type Parser interface {
	Parse(ctx context.Context, ch config.SourceChannel, msg notice.RawMessage) (notice.Notice, bool)
}

// Queue accepts notices for delivery without blocking.
type Queue interface {
	Enqueue(job dispatch.Job) error
}

// Options holds the dependencies of a Poller.
type Options struct {
	Channel    config.SourceChannel
	Source     Source
	Cursors    cursor.Store
	Parser     Parser
	Queue      Queue
	Backoff    resilience.Backoff
	PanicGrace time.Duration
	Logger     *slog.Logger

	// Test hooks.
	Sleep  resilience.SleepFunc
	Jitter func(time.Duration) time.Duration
	Now    func() time.Time
}

// Status is a point-in-time view of a poller.
type Status struct {
	ChannelID   string
	Label       string
	Disabled    bool
	PausedUntil time.Time
	Failures    int
}

// Poller polls a single channel. Tick must not be called concurrently; the
// scheduler runs it in singleton mode.
type Poller struct {
	ch      config.SourceChannel
	source  Source
	cursors cursor.Store
	parser  Parser
	queue   Queue
	backoff resilience.Backoff
	grace   time.Duration
	logger  *slog.Logger
	sleep   resilience.SleepFunc
	jitter  func(time.Duration) time.Duration
	now     func() time.Time

	mu          sync.Mutex
	disabled    bool
	pausedUntil time.Time
	failures    int
	// lastSeen is the newest id that was rejected or suppressed. It is
	// never persisted.
	lastSeen string
}

// New creates a Poller.
func New(opts Options) *Poller {
	if opts.Backoff.Base <= 0 {
		opts.Backoff = resilience.DefaultBackoff()
	}
	if opts.PanicGrace <= 0 {
		opts.PanicGrace = DefaultPanicGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Sleep == nil {
		opts.Sleep = resilience.Sleep
	}
	if opts.Jitter == nil {
		opts.Jitter = resilience.Jitter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{
		ch:      opts.Channel,
		source:  opts.Source,
		cursors: opts.Cursors,
		parser:  opts.Parser,
		queue:   opts.Queue,
		backoff: opts.Backoff,
		grace:   opts.PanicGrace,
		logger:  opts.Logger.With("component", "poller", "channel_id", opts.Channel.ID, "label", opts.Channel.Label),
		sleep:   opts.Sleep,
		jitter:  opts.Jitter,
		now:     opts.Now,
	}
}

// Name identifies the poller's scheduler job.
func (p *Poller) Name() string {
	return "poll_" + p.ch.Label
}

// Status returns the poller's current state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		ChannelID:   p.ch.ID,
		Label:       p.ch.Label,
		Disabled:    p.disabled,
		PausedUntil: p.pausedUntil,
		Failures:    p.failures,
	}
}

// Tick runs one poll. It returns the fetch fault or a recovered panic; both
// are already logged and handled.
func (p *Poller) Tick(ctx context.Context) (err error) {
	p.mu.Lock()
	disabled, paused := p.disabled, p.now().Before(p.pausedUntil)
	p.mu.Unlock()
	if disabled || paused {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			p.pause(ctx, "Poller panicked, pausing channel", r)
			err = fmt.Errorf("poller %s panicked: %v", p.ch.ID, r)
		}
	}()

	msg, ok, err := p.source.LatestMessage(ctx, p.ch.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.handleFetchError(ctx, err)
		return err
	}

	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()

	if !ok {
		return nil
	}
	p.process(ctx, msg)
	return nil
}

func (p *Poller) process(ctx context.Context, msg notice.RawMessage) {
	current, has := p.cursors.Get(p.ch.ID)
	if !cursor.Advances(current, has, msg.ID) {
		return
	}

	p.mu.Lock()
	seen := msg.ID == p.lastSeen
	p.mu.Unlock()
	if seen {
		return
	}

	if !notice.Admit(p.ch, msg) {
		p.logger.DebugContext(ctx, "Ignoring message from unexpected author",
			"message_id", msg.ID, "author_id", msg.AuthorID)
		p.markSeen(msg.ID)
		return
	}

	n, ok := p.parser.Parse(ctx, p.ch, msg)
	if !ok {
		p.markSeen(msg.ID)
		return
	}

	outcome, delivered := p.submit(ctx, msg.ID, n)
	if delivered {
		p.logger.DebugContext(ctx, "Notice settled", "message_id", msg.ID, "outcome", outcome.String())
	}
}

// submit enqueues n and waits for its outcome. The cursor is committed from
// the ack itself, so a notice delivered during shutdown still advances it.
func (p *Poller) submit(ctx context.Context, messageID string, n notice.Notice) (dispatch.Outcome, bool) {
	done := make(chan dispatch.Outcome, 1)
	job := dispatch.Job{
		Notice: n,
		// Ack runs on the dispatcher goroutine, outside Tick's recover.
		Ack: func(outcome dispatch.Outcome) {
			defer func() { done <- outcome }()
			defer func() {
				if r := recover(); r != nil {
					p.pause(ctx, "Cursor commit panicked, pausing channel", r)
				}
			}()
			if outcome.Committable() {
				p.commit(ctx, messageID)
			}
		},
	}

	if err := p.queue.Enqueue(job); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrQueueFull):
			p.logger.WarnContext(ctx, "Dispatch queue full, retrying next tick", "message_id", messageID)
		case errors.Is(err, dispatch.ErrClosed):
			p.logger.DebugContext(ctx, "Dispatcher closed, skipping", "message_id", messageID)
		default:
			p.logger.ErrorContext(ctx, "Failed to enqueue notice", "message_id", messageID, "error", err)
		}
		return dispatch.Aborted, false
	}

	select {
	case outcome := <-done:
		return outcome, true
	case <-ctx.Done():
		return dispatch.Aborted, false
	}
}

// pause suspends the channel for the panic grace period after a recovered
// panic.
func (p *Poller) pause(ctx context.Context, msg string, r any) {
	p.mu.Lock()
	p.pausedUntil = p.now().Add(p.grace)
	p.mu.Unlock()
	p.logger.ErrorContext(ctx, msg, "panic", r, "resume_after", p.grace, "stack", string(debug.Stack()))
}

func (p *Poller) commit(ctx context.Context, messageID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	advanced, err := p.cursors.Commit(ctx, p.ch.ID, messageID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to persist cursor", "message_id", messageID, "error", err)
	}
	if advanced {
		p.logger.InfoContext(ctx, "Cursor advanced", "message_id", messageID)
	}
}

func (p *Poller) markSeen(id string) {
	p.mu.Lock()
	p.lastSeen = id
	p.mu.Unlock()
}

func (p *Poller) handleFetchError(ctx context.Context, err error) {
	switch apperrors.KindOf(err) {
	case apperrors.KindAuth:
		p.mu.Lock()
		p.disabled = true
		p.mu.Unlock()
		p.logger.ErrorContext(ctx, "Source rejected credentials, disabling poller", "error", err)

	case apperrors.KindRateLimit:
		wait, _ := apperrors.RetryAfterOf(err)
		wait += p.jitter(maxRateLimitJitter)
		p.logger.WarnContext(ctx, "Source rate limited, waiting", "wait", wait)
		p.sleep(ctx, wait)

	default:
		p.mu.Lock()
		p.failures++
		attempt := p.failures
		p.mu.Unlock()
		wait := p.backoff.Duration(attempt)
		p.logger.WarnContext(ctx, "Fetch failed, backing off", "attempt", attempt, "wait", wait, "error", err)
		p.sleep(ctx, wait)
	}
}
