// Package modcache caches moderation verdicts by content hash, so previously
// checked text is never resubmitted to the moderation backend and known-bad
// content fails fast.
//
// A Cache is an explicitly constructed component: one instance per server,
// shared by reference across sessions. Entries are both time-bounded (TTL
// sweep) and count-bounded (oldest-first trim).
package modcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/haivivi/webchat/pkg/chunker"
)

const (
	// DefaultTTL is the entry lifetime when Options.TTL is zero and the
	// environment does not override it.
	DefaultTTL = time.Hour

	// DefaultMaxEntries is the entry-count cap when Options.MaxEntries is zero.
	DefaultMaxEntries = 1000

	// TTLEnv overrides the default TTL with a Go duration string.
	TTLEnv = "WEBCHAT_MODERATION_TTL"

	// sweepInterval limits how often the TTL sweep runs.
	sweepInterval = time.Minute
)

// Verdict is a moderation result for one content string.
type Verdict struct {
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason,omitempty"`
}

// Request is a batch of content strings to moderate.
type Request struct {
	Content []string `json:"content"`
}

// Response carries one Verdict per distinct request content, in request order.
type Response struct {
	Results []Verdict `json:"results"`
}

// Backend is the external moderation service the cache wraps.
type Backend interface {
	Moderation(ctx context.Context, req *Request) (*Response, error)
}

// RejectedError reports content flagged by moderation. It is never retried.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "modcache: content rejected by moderation"
	}
	return "modcache: content rejected by moderation: " + e.Reason
}

// Options configures a Cache.
type Options struct {
	// TTL is the entry lifetime. Zero means DefaultTTL, overridable via the
	// WEBCHAT_MODERATION_TTL environment variable.
	TTL time.Duration

	// MaxEntries is the entry-count cap. Zero means DefaultMaxEntries.
	// Trimming kicks in once the cache exceeds 1.1× the cap.
	MaxEntries int

	// Logger receives configuration warnings. Nil means slog.Default.
	Logger *slog.Logger

	// Now is the clock; nil means time.Now. For tests.
	Now func() time.Time
}

type entry struct {
	createdAt time.Time
	verdict   Verdict
}

// Cache wraps a Backend with a content-hash verdict cache.
type Cache struct {
	backend    Backend
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu        sync.Mutex
	entries   map[uint64]*entry
	lastSweep time.Time
}

// New creates a Cache over the given backend.
func New(backend Backend, opts Options) *Cache {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
		if s := os.Getenv(TTLEnv); s != "" {
			if d, err := time.ParseDuration(s); err == nil && d > 0 {
				ttl = d
			} else {
				log.Warn("modcache: invalid TTL override ignored", "value", s)
			}
		}
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		backend:    backend,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
		entries:    make(map[uint64]*entry),
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Moderation checks a batch of content strings.
//
// The input is deduplicated; a cached flagged verdict causes an immediate
// return of just that result, skipping all further checks. Cache misses are
// batched into a single backend call, and only backend results write cache
// entries; read hits do not refresh timestamps.
//
// When every content is clean, Results holds one verdict per distinct input
// string, in first-occurrence order.
func (c *Cache) Moderation(ctx context.Context, req *Request) (*Response, error) {
	c.clean()

	// Dedupe, preserving first-occurrence order.
	var (
		hashes   []uint64
		contents []string
	)
	seen := make(map[uint64]struct{}, len(req.Content))
	for _, s := range req.Content {
		h := xxhash.Sum64String(s)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
		contents = append(contents, s)
	}

	verdicts := make([]Verdict, len(hashes))
	var missIdx []int

	c.mu.Lock()
	for i, h := range hashes {
		e, ok := c.entries[h]
		if !ok {
			missIdx = append(missIdx, i)
			continue
		}
		if e.verdict.Flagged {
			c.mu.Unlock()
			return &Response{Results: []Verdict{e.verdict}}, nil
		}
		verdicts[i] = e.verdict
	}
	c.mu.Unlock()

	if len(missIdx) > 0 {
		miss := make([]string, len(missIdx))
		for j, i := range missIdx {
			miss[j] = contents[i]
		}
		resp, err := c.backend.Moderation(ctx, &Request{Content: miss})
		if err != nil {
			return nil, fmt.Errorf("modcache: backend: %w", err)
		}
		if len(resp.Results) != len(missIdx) {
			return nil, fmt.Errorf("modcache: backend returned %d results for %d inputs", len(resp.Results), len(missIdx))
		}
		at := c.now()
		c.mu.Lock()
		for j, i := range missIdx {
			verdicts[i] = resp.Results[j]
			c.entries[hashes[i]] = &entry{createdAt: at, verdict: resp.Results[j]}
		}
		c.mu.Unlock()
	}

	return &Response{Results: verdicts}, nil
}

// CheckModeration chunks each content with the given parameters, moderates
// all chunks in one call, and returns a RejectedError carrying the first
// flagged reason, or nil when everything is clean.
func (c *Cache) CheckModeration(ctx context.Context, contents []string, p chunker.Params) error {
	var parts []string
	for _, s := range contents {
		if s == "" {
			continue
		}
		chunks, err := chunker.ChunkString(p, s)
		if err != nil {
			return fmt.Errorf("modcache: chunk: %w", err)
		}
		for _, ck := range chunks {
			parts = append(parts, s[ck.Start:ck.End])
		}
	}
	if len(parts) == 0 {
		return nil
	}
	resp, err := c.Moderation(ctx, &Request{Content: parts})
	if err != nil {
		return err
	}
	for _, v := range resp.Results {
		if v.Flagged {
			return &RejectedError{Reason: v.Reason}
		}
	}
	return nil
}

// clean runs eviction at the start of every Moderation call: a TTL sweep at
// most once per sweepInterval, and an oldest-first trim down to the cap once
// the cache exceeds 1.1× the cap.
func (c *Cache) clean() {
	c.mu.Lock()
	defer c.mu.Unlock()

	at := c.now()
	if at.Sub(c.lastSweep) >= sweepInterval {
		c.lastSweep = at
		for h, e := range c.entries {
			if at.Sub(e.createdAt) > c.ttl {
				delete(c.entries, h)
			}
		}
	}

	if len(c.entries) <= c.maxEntries+c.maxEntries/10 {
		return
	}
	type aged struct {
		hash uint64
		at   time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for h, e := range c.entries {
		all = append(all, aged{hash: h, at: e.createdAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(all)-c.maxEntries] {
		delete(c.entries, a.hash)
	}
}
