// Package roles resolves role ids to display names for one guild. Misses
// trigger a single bulk roster fetch shared by all concurrent callers.
package roles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edgard/relaybot/internal/resilience"
)

// Fetcher returns the full role id → name roster of a guild.
type Fetcher interface {
	GuildRoles(ctx context.Context, guildID string) (map[string]string, error)
}

type entry struct {
	name      string
	fetchedAt time.Time
}

// Directory caches role names. It never returns an error: unresolvable ids
// map to Fallback(id).
type Directory struct {
	fetcher Fetcher
	guildID string
	ttl     time.Duration
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

// Options configures a Directory.
type Options struct {
	GuildID string
	// TTL expires entries; zero keeps them until the process exits.
	TTL     time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewDirectory creates an empty directory backed by fetcher.
func NewDirectory(fetcher Fetcher, opts Options) *Directory {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log := opts.Logger.With("component", "role_directory", "guild_id", opts.GuildID)
	return &Directory{
		fetcher: fetcher,
		guildID: opts.GuildID,
		ttl:     opts.TTL,
		timeout: opts.Timeout,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:    "role_roster",
			Timeout: opts.Timeout,
			Logger:  log,
		}),
		logger:  log,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Fallback is the name used for roles that cannot be resolved.
func Fallback(roleID string) string {
	return fmt.Sprintf("role %s", roleID)
}

// Resolve returns the name of roleID, refreshing the roster on a miss or an
// expired entry.
func (d *Directory) Resolve(ctx context.Context, roleID string) string {
	if name, ok := d.lookup(roleID); ok {
		return name
	}

	if err := d.refresh(ctx); err != nil {
		d.logger.WarnContext(ctx, "Role roster refresh failed, using fallback", "role_id", roleID, "error", err)
	}

	d.mu.RLock()
	e, ok := d.entries[roleID]
	d.mu.RUnlock()
	if ok {
		return e.name
	}
	return Fallback(roleID)
}

// Len returns the number of cached roles.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (d *Directory) lookup(roleID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[roleID]
	if !ok {
		return "", false
	}
	if d.ttl > 0 && d.now().Sub(e.fetchedAt) > d.ttl {
		return "", false
	}
	return e.name, true
}

// refresh fetches the roster once for all concurrent callers. The fetch
// is detached from the first caller's cancellation so other waiters still
// get a result; it is bounded by the directory timeout instead.
func (d *Directory) refresh(ctx context.Context) error {
	ch := d.group.DoChan("roster", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		var roster map[string]string
		err := d.breaker.Execute(fetchCtx, func(ctx context.Context) error {
			var err error
			roster, err = d.fetcher.GuildRoles(ctx, d.guildID)
			return err
		})
		if err != nil {
			return nil, err
		}

		now := d.now()
		d.mu.Lock()
		for id, name := range roster {
			d.entries[id] = entry{name: name, fetchedAt: now}
		}
		d.mu.Unlock()
		d.logger.DebugContext(ctx, "Role roster refreshed", "count", len(roster))
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
