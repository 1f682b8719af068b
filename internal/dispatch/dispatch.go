// Package dispatch serializes notice delivery to the destination chat. A
// single goroutine drains a bounded FIFO queue, so deliveries happen in the
// order notices were enqueued, and rate-limit waits hold the whole queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/edgard/relaybot/internal/errors"
	"github.com/edgard/relaybot/internal/notice"
	"github.com/edgard/relaybot/internal/resilience"
)

const (
	DefaultQueueSize   = 64
	DefaultMaxAttempts = 10
	// defaultRetryAfter applies when a 429 carries no retry_after.
	defaultRetryAfter = time.Second
	// maxMessageRunes is Telegram's limit for one message text.
	maxMessageRunes = 4096
)

var (
	// ErrQueueFull is returned by Enqueue when the queue has no room.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("dispatcher is closed")
	// ErrDestinationAuth means the destination rejected our credentials.
	ErrDestinationAuth = errors.New("destination rejected credentials")
)

// Outcome is the terminal result of one notice.
type Outcome int

const (
	// Aborted means delivery stopped before a terminal result; the cursor
	// must not advance.
	Aborted Outcome = iota
	// Delivered means the destination accepted the notice.
	Delivered
	// Dropped means the notice failed permanently; the cursor still
	// advances so a poison message is not retried forever.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	default:
		return "aborted"
	}
}

// Committable reports whether the source cursor may advance.
func (o Outcome) Committable() bool {
	return o == Delivered || o == Dropped
}

// Sender posts one HTML message to the destination.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Job is a queued notice. Ack is called exactly once with the outcome.
type Job struct {
	Notice notice.Notice
	Ack    func(Outcome)
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize   int
	MaxAttempts int
	Backoff     resilience.Backoff
	Logger      *slog.Logger
	// Sleep replaces resilience.Sleep in tests.
	Sleep resilience.SleepFunc
}

// Dispatcher delivers notices one at a time.
type Dispatcher struct {
	sender      Sender
	queue       chan Job
	maxAttempts int
	backoff     resilience.Backoff
	sleep       resilience.SleepFunc
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a dispatcher. Call Run to start delivering.
func New(sender Sender, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = resilience.DefaultBackoff()
	}
	if opts.Sleep == nil {
		opts.Sleep = resilience.Sleep
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		sender:      sender,
		queue:       make(chan Job, opts.QueueSize),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		sleep:       opts.Sleep,
		logger:      opts.Logger.With("component", "dispatcher"),
	}
}

// Enqueue adds job to the queue without blocking.
func (d *Dispatcher) Enqueue(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of queued jobs.
func (d *Dispatcher) Len() int {
	return len(d.queue)
}

// Close stops accepting jobs. Run returns once the queue is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

// Run delivers queued jobs until the queue is closed and drained (nil), ctx
// is done (ctx.Err()), or the destination rejects our credentials
// (ErrDestinationAuth). Jobs left in the queue on exit are acked Aborted.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "Dispatcher started")
	defer d.abortPending()

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "Dispatcher stopped", "pending", len(d.queue))
			return ctx.Err()
		case job, ok := <-d.queue:
			if !ok {
				d.logger.InfoContext(ctx, "Dispatcher drained")
				return nil
			}
			outcome, err := d.Deliver(ctx, job.Notice)
			if job.Ack != nil {
				job.Ack(outcome)
			}
			if errors.Is(err, ErrDestinationAuth) {
				return err
			}
		}
	}
}

// abortPending acks whatever is still queued so no producer waits forever.
func (d *Dispatcher) abortPending() {
	for {
		select {
		case job, ok := <-d.queue:
			if !ok {
				return
			}
			if job.Ack != nil {
				job.Ack(Aborted)
			}
		default:
			return
		}
	}
}

// Deliver sends one notice, splitting it when it exceeds the message limit.
func (d *Dispatcher) Deliver(ctx context.Context, n notice.Notice) (Outcome, error) {
	log := d.logger.With("channel_id", n.ChannelID, "label", n.ChannelLabel, "message_id", n.MessageID)

	for _, chunk := range splitText(n.Text(), maxMessageRunes) {
		outcome, err := d.deliverChunk(ctx, log, chunk)
		if outcome != Delivered {
			return outcome, err
		}
	}
	log.InfoContext(ctx, "Notice delivered")
	return Delivered, nil
}

func (d *Dispatcher) deliverChunk(ctx context.Context, log *slog.Logger, text string) (Outcome, error) {
	attempt := 0
	for {
		err := d.sender.Send(ctx, text)
		if err == nil {
			return Delivered, nil
		}
		if ctx.Err() != nil {
			return Aborted, ctx.Err()
		}

		switch apperrors.KindOf(err) {
		case apperrors.KindRateLimit:
			wait, _ := apperrors.RetryAfterOf(err)
			if wait <= 0 {
				wait = defaultRetryAfter
			}
			log.WarnContext(ctx, "Destination rate limited, waiting", "wait", wait)
			if !d.sleep(ctx, wait) {
				return Aborted, ctx.Err()
			}
		case apperrors.KindAuth:
			log.ErrorContext(ctx, "Destination rejected credentials", "error", err)
			return Aborted, fmt.Errorf("%w: %w", ErrDestinationAuth, err)
		case apperrors.KindPermanent:
			log.ErrorContext(ctx, "Dropping notice after permanent failure", "error", err)
			return Dropped, nil
		default:
			attempt++
			if attempt >= d.maxAttempts {
				log.ErrorContext(ctx, "Dropping notice after exhausting attempts", "attempts", attempt, "error", err)
				return Dropped, nil
			}
			wait := d.backoff.Duration(attempt)
			log.WarnContext(ctx, "Delivery failed, retrying", "attempt", attempt, "wait", wait, "error", err)
			if !d.sleep(ctx, wait) {
				return Aborted, ctx.Err()
			}
		}
	}
}

// splitText breaks text into chunks of at most limit runes, preferring line
// boundaries.
func splitText(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curRunes := 0
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
			curRunes = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if curRunes+n > limit {
			flush()
		}
		for n > limit {
			head := trimPartialEntity(string([]rune(line)[:limit]))
			chunks = append(chunks, head)
			line = line[len(head):]
			n = utf8.RuneCountInString(line)
		}
		cur.WriteString(line)
		curRunes += n
	}
	flush()
	return chunks
}

// maxEntityLen is the longest HTML entity an escaped notice can carry.
const maxEntityLen = 10

// trimPartialEntity drops a trailing entity that a hard split cut in half
// ("...&am"), so it starts the next chunk intact.
func trimPartialEntity(head string) string {
	i := strings.LastIndexByte(head, '&')
	if i <= 0 || len(head)-i > maxEntityLen || strings.IndexByte(head[i:], ';') >= 0 {
		return head
	}
	return head[:i]
}
