// Package snapshot periodically fetches a JSON document, renders it as a
// notice and forwards it when its content changed since the last delivery.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/dispatch"
	apperrors "github.com/edgard/relaybot/internal/errors"
	"github.com/edgard/relaybot/internal/notice"
)

const (
	defaultTimeout = 10 * time.Second
	// DefaultSourceLabel is the header suffix of snapshot notices.
	DefaultSourceLabel = "SNAPSHOT"
	maxBodyBytes       = 1 << 20
)

// Queue accepts notices for delivery without blocking.
type Queue interface {
	Enqueue(job dispatch.Job) error
}

// Options configures a Producer.
type Options struct {
	Config      config.SnapshotConfig
	Queue       Queue
	SourceLabel string
	Client      *http.Client
	Logger      *slog.Logger
}

// Producer polls one snapshot URL.
type Producer struct {
	cfg         config.SnapshotConfig
	queue       Queue
	sourceLabel string
	client      *http.Client
	logger      *slog.Logger

	mu     sync.Mutex
	digest string
}

// New creates a Producer.
func New(opts Options) *Producer {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultTimeout}
	}
	if opts.SourceLabel == "" {
		opts.SourceLabel = DefaultSourceLabel
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Producer{
		cfg:         opts.Config,
		queue:       opts.Queue,
		sourceLabel: opts.SourceLabel,
		client:      opts.Client,
		logger:      opts.Logger.With("component", "snapshot", "name", opts.Config.Name),
	}
}

// Name identifies the producer's scheduler job.
func (p *Producer) Name() string {
	return "snapshot_" + p.cfg.Name
}

// Interval is how often the snapshot is fetched.
func (p *Producer) Interval() time.Duration {
	return p.cfg.Interval
}

// Tick fetches, renders and forwards the snapshot if it changed.
func (p *Producer) Tick(ctx context.Context) error {
	doc, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.logger.WarnContext(ctx, "Failed to fetch snapshot", "error", err)
		return err
	}

	lines := Render(doc)
	if len(lines) == 0 {
		p.logger.DebugContext(ctx, "Snapshot is empty")
		return nil
	}

	digest := Digest(lines)
	p.mu.Lock()
	unchanged := digest == p.digest
	p.mu.Unlock()
	if unchanged {
		return nil
	}

	n := notice.Build(p.cfg.Label, p.sourceLabel, lines)
	n.ChannelID = "snapshot:" + p.cfg.Name
	n.MessageID = digest[:12]

	done := make(chan dispatch.Outcome, 1)
	err = p.queue.Enqueue(dispatch.Job{
		Notice: n,
		Ack: func(outcome dispatch.Outcome) {
			if outcome.Committable() {
				p.mu.Lock()
				p.digest = digest
				p.mu.Unlock()
			}
			done <- outcome
		},
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			p.logger.WarnContext(ctx, "Dispatch queue full, retrying next tick")
			return nil
		}
		return err
	}

	select {
	case outcome := <-done:
		p.logger.InfoContext(ctx, "Snapshot settled", "outcome", outcome.String(), "digest", n.MessageID)
	case <-ctx.Done():
	}
	return nil
}

func (p *Producer) fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, apperrors.NewPermanentError("build snapshot request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, apperrors.NewTransientError("fetch snapshot", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		msg := fmt.Sprintf("snapshot returned status %d", resp.StatusCode)
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, apperrors.NewTransientError(msg, nil).WithStatus(resp.StatusCode)
		}
		return nil, apperrors.NewPermanentError(msg, nil).WithStatus(resp.StatusCode)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, apperrors.NewPermanentError("decode snapshot", err)
	}
	return doc, nil
}

// Render turns a JSON object into display lines, one per top-level key in
// key order. Null values and empty collections are skipped.
func Render(doc map[string]any) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := renderValue(doc[k]); v != "" {
			lines = append(lines, k+": "+v)
		}
	}
	return lines
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := renderItem(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		if s, ok := namedItem(val); ok {
			return s
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := renderItem(val[k]); s != "" {
				parts = append(parts, k+" "+s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(val)
	}
}

func renderItem(v any) string {
	if m, ok := v.(map[string]any); ok {
		if s, ok := namedItem(m); ok {
			return s
		}
	}
	return renderValue(v)
}

// namedItem renders {name, quantity} objects as "name xN".
func namedItem(m map[string]any) (string, bool) {
	name, ok := m["name"].(string)
	if !ok || name == "" {
		return "", false
	}
	if q, ok := m["quantity"]; ok && q != nil {
		return fmt.Sprintf("%s x%v", name, q), true
	}
	return name, true
}

// Digest identifies rendered content.
func Digest(lines []string) string {
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
