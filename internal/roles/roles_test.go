package roles

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFetcher struct {
	calls  atomic.Int32
	roster map[string]string
	err    error
	gate   chan struct{}
}

func (f *fakeFetcher) GuildRoles(ctx context.Context, _ string) (map[string]string, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.roster, f.err
}

func TestResolveCachesRoster(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{roster: map[string]string{"R1": "Alerts", "R2": "Seeds"}}
	d := NewDirectory(f, Options{GuildID: "g"})
	ctx := context.Background()

	if got := d.Resolve(ctx, "R1"); got != "Alerts" {
		t.Errorf("Resolve(R1) = %q, want Alerts", got)
	}
	if got := d.Resolve(ctx, "R2"); got != "Seeds" {
		t.Errorf("Resolve(R2) = %q, want Seeds", got)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("roster fetched %d times, want 1", n)
	}
	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
}

func TestResolveFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fetcher *fakeFetcher
	}{
		{name: "fetch error", fetcher: &fakeFetcher{err: errors.New("401 unauthorized")}},
		{name: "unknown role", fetcher: &fakeFetcher{roster: map[string]string{"R1": "Alerts"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := NewDirectory(tt.fetcher, Options{GuildID: "g"})
			if got := d.Resolve(context.Background(), "R9"); got != "role R9" {
				t.Errorf("Resolve(R9) = %q, want %q", got, "role R9")
			}
		})
	}
}

func TestResolveCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{roster: map[string]string{"R1": "Alerts"}, gate: make(chan struct{})}
	d := NewDirectory(f, Options{GuildID: "g"})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.Resolve(context.Background(), "R1")
		}(i)
	}

	// Let the callers pile up on the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	for i, r := range results {
		if r != "Alerts" {
			t.Errorf("result %d = %q, want Alerts", i, r)
		}
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("roster fetched %d times, want 1", n)
	}
}

func TestResolveTTL(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{roster: map[string]string{"R1": "Alerts"}}
	d := NewDirectory(f, Options{GuildID: "g", TTL: time.Minute})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.Resolve(context.Background(), "R1")
	now = now.Add(30 * time.Second)
	d.Resolve(context.Background(), "R1")
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fresh entry refetched: %d calls", n)
	}

	f.roster = map[string]string{"R1": "Renamed"}
	now = now.Add(time.Hour)
	if got := d.Resolve(context.Background(), "R1"); got != "Renamed" {
		t.Errorf("Resolve() after TTL = %q, want Renamed", got)
	}
	if n := f.calls.Load(); n != 2 {
		t.Errorf("roster fetched %d times, want 2", n)
	}
}

func TestResolveCircuitOpensAfterFailures(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{err: errors.New("503")}
	d := NewDirectory(f, Options{GuildID: "g"})
	for i := 0; i < 10; i++ {
		d.Resolve(context.Background(), "R1")
	}
	if n := f.calls.Load(); n != 3 {
		t.Errorf("roster fetched %d times with an open breaker, want 3", n)
	}
}
