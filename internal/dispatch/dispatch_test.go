package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/edgard/relaybot/internal/errors"
	"github.com/edgard/relaybot/internal/notice"
)

// fakeSender returns scripted errors, then succeeds.
type fakeSender struct {
	mu     sync.Mutex
	errs   []error
	sent   []string
	always error
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.always != nil {
		return f.always
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err() == nil
}

func (s *sleepRecorder) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, w := range s.waits {
		total += w
	}
	return total
}

func testNotice(id string) notice.Notice {
	return notice.Build("seeds", "DAWN BOT", []string{"• Alerts " + id})
}

func TestDeliverRateLimitedOnce(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{errs: []error{apperrors.NewRateLimitError("sendMessage", 2*time.Second, nil)}}
	sleeps := &sleepRecorder{}
	d := New(sender, Options{Sleep: sleeps.Sleep})

	outcome, err := d.Deliver(context.Background(), testNotice("100"))
	if err != nil || outcome != Delivered {
		t.Fatalf("Deliver() = %v, %v; want delivered", outcome, err)
	}
	if got := len(sender.Sent()); got != 1 {
		t.Errorf("delivered %d messages, want exactly 1", got)
	}
	if sleeps.Total() < 2*time.Second {
		t.Errorf("waited %v before retrying, want >= 2s", sleeps.Total())
	}
}

func TestDeliverRateLimitedRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real retry_after")
	}
	t.Parallel()

	sender := &fakeSender{errs: []error{apperrors.NewRateLimitError("sendMessage", 2*time.Second, nil)}}
	d := New(sender, Options{})

	start := time.Now()
	outcome, _ := d.Deliver(context.Background(), testNotice("100"))
	if outcome != Delivered {
		t.Fatalf("Deliver() = %v, want delivered", outcome)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Second {
		t.Errorf("elapsed %v, want >= 2s", elapsed)
	}
}

func TestDeliverOutcomes(t *testing.T) {
	t.Parallel()

	transient := apperrors.NewTransientError("sendMessage", errors.New("502"))

	tests := []struct {
		name      string
		sender    *fakeSender
		want      Outcome
		wantErr   error
		wantSleep int
	}{
		{
			name:      "transient then success",
			sender:    &fakeSender{errs: []error{transient, transient}},
			want:      Delivered,
			wantSleep: 2,
		},
		{
			name:      "attempt cap exceeded",
			sender:    &fakeSender{always: transient},
			want:      Dropped,
			wantSleep: 2,
		},
		{
			name:   "permanent",
			sender: &fakeSender{always: apperrors.NewPermanentError("sendMessage", errors.New("400"))},
			want:   Dropped,
		},
		{
			name:    "auth",
			sender:  &fakeSender{always: apperrors.NewAuthError("sendMessage", errors.New("401"))},
			want:    Aborted,
			wantErr: ErrDestinationAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sleeps := &sleepRecorder{}
			d := New(tt.sender, Options{MaxAttempts: 3, Sleep: sleeps.Sleep})
			outcome, err := d.Deliver(context.Background(), testNotice("1"))
			if outcome != tt.want {
				t.Errorf("Deliver() outcome = %v, want %v", outcome, tt.want)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Deliver() error = %v, want %v", err, tt.wantErr)
			}
			if len(sleeps.waits) != tt.wantSleep {
				t.Errorf("slept %d times, want %d", len(sleeps.waits), tt.wantSleep)
			}
		})
	}
}

func TestDeliverBackoffGrows(t *testing.T) {
	t.Parallel()

	transient := apperrors.NewTransientError("sendMessage", nil)
	sleeps := &sleepRecorder{}
	d := New(&fakeSender{always: transient}, Options{Sleep: sleeps.Sleep})

	if outcome, _ := d.Deliver(context.Background(), testNotice("1")); outcome != Dropped {
		t.Fatalf("outcome = %v, want dropped", outcome)
	}
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, time.Minute, time.Minute, time.Minute,
	}
	if diff := cmp.Diff(want, sleeps.waits); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
}

func TestRunPreservesFIFOAndAcks(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	d := New(sender, Options{QueueSize: 8})

	var mu sync.Mutex
	var acked []string
	for _, id := range []string{"1", "2", "3"} {
		id := id
		err := d.Enqueue(Job{Notice: testNotice(id), Ack: func(o Outcome) {
			mu.Lock()
			defer mu.Unlock()
			acked = append(acked, id+":"+o.String())
		}})
		if err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	d.Close()

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sent := sender.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d, want 3", len(sent))
	}
	for i, id := range []string{"1", "2", "3"} {
		if !strings.HasSuffix(sent[i], "Alerts "+id) {
			t.Errorf("sent[%d] = %q, want notice %s", i, sent[i], id)
		}
	}
	if diff := cmp.Diff([]string{"1:delivered", "2:delivered", "3:delivered"}, acked); diff != "" {
		t.Errorf("acks mismatch (-want +got):\n%s", diff)
	}
	if err := d.Enqueue(Job{Notice: testNotice("4")}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close = %v, want ErrClosed", err)
	}
}

func TestEnqueueFull(t *testing.T) {
	t.Parallel()

	d := New(&fakeSender{}, Options{QueueSize: 1})
	if err := d.Enqueue(Job{Notice: testNotice("1")}); err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(Job{Notice: testNotice("2")}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue() on full queue = %v, want ErrQueueFull", err)
	}
	if d.Len() != 1 {
		t.Errorf("Len() = %d, want 1", d.Len())
	}
}

func TestRunStopsOnDestinationAuth(t *testing.T) {
	t.Parallel()

	d := New(&fakeSender{always: apperrors.NewAuthError("sendMessage", nil)}, Options{})
	outcomes := make(chan Outcome, 2)
	for _, id := range []string{"1", "2"} {
		if err := d.Enqueue(Job{Notice: testNotice(id), Ack: func(o Outcome) { outcomes <- o }}); err != nil {
			t.Fatal(err)
		}
	}

	if err := d.Run(context.Background()); !errors.Is(err, ErrDestinationAuth) {
		t.Fatalf("Run() error = %v, want ErrDestinationAuth", err)
	}
	for i := 0; i < 2; i++ {
		if o := <-outcomes; o != Aborted {
			t.Errorf("ack %d = %v, want aborted", i, o)
		}
	}
}

func TestRunCancelledAbortsPending(t *testing.T) {
	t.Parallel()

	d := New(&fakeSender{}, Options{})
	acked := make(chan Outcome, 1)
	if err := d.Enqueue(Job{Notice: testNotice("1"), Ack: func(o Outcome) { acked <- o }}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	select {
	case o := <-acked:
		if o == Delivered {
			// The select in Run may pick the job before noticing cancellation;
			// Deliver then sends with a cancelled context and the fake accepts it.
			return
		}
		if o != Aborted {
			t.Errorf("ack = %v, want aborted", o)
		}
	default:
		t.Error("pending job was never acked")
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	short := "SEEDS | BOT\n\n• Alerts"
	if got := splitText(short, maxMessageRunes); len(got) != 1 || got[0] != short {
		t.Errorf("splitText(short) = %q", got)
	}

	line := strings.Repeat("🍅", 30) + "\n"
	long := strings.Repeat(line, 10)
	chunks := splitText(long, 100)
	if len(chunks) < 2 {
		t.Fatalf("splitText() produced %d chunks, want several", len(chunks))
	}
	var total int
	for _, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 100 {
			t.Errorf("chunk has %d runes, limit 100", n)
		}
		total += strings.Count(c, "🍅")
	}
	if total != 300 {
		t.Errorf("chunks carry %d tomatoes, want 300", total)
	}

	huge := strings.Repeat("x", 250)
	for _, c := range splitText(huge, 100) {
		if len(c) > 100 {
			t.Errorf("hard split chunk len %d", len(c))
		}
	}
}

func TestSplitTextKeepsEntitiesWhole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{name: "ampersand across the cut", text: strings.Repeat("a", 98) + "&amp;" + strings.Repeat("b", 150)},
		{name: "quote at the edge", text: strings.Repeat("a", 96) + "&quot;" + strings.Repeat("b", 150)},
		{name: "entity ends the chunk", text: strings.Repeat("a", 95) + "&amp;" + strings.Repeat("b", 150)},
		{name: "entities everywhere", text: strings.Repeat("&lt;b&gt;", 40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			chunks := splitText(tt.text, 100)
			if len(chunks) < 2 {
				t.Fatalf("splitText() produced %d chunks, want several", len(chunks))
			}
			for i, c := range chunks {
				if n := utf8.RuneCountInString(c); n > 100 {
					t.Errorf("chunk %d has %d runes, limit 100", i, n)
				}
				if amp := strings.LastIndexByte(c, '&'); amp >= 0 && !strings.Contains(c[amp:], ";") {
					t.Errorf("chunk %d ends inside an entity: %q", i, c[amp:])
				}
			}
			if got := strings.Join(chunks, ""); got != tt.text {
				t.Errorf("rejoined chunks differ from input:\n got %q\nwant %q", got, tt.text)
			}
		})
	}
}
