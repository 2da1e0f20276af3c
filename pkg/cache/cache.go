// Package cache stages conversion inputs into the engine's file space and
// tracks what exists there. At most one input is staged at a time; staging
// a new input always invalidates the previous one first.
package cache

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vidforge/vidforge/pkg/engine"
	"github.com/vidforge/vidforge/pkg/logging"
)

// Config holds resource cache configuration
type Config struct {
	// InputTTL is how long a staged input survives without a new
	// conversion touching it
	InputTTL time.Duration
	// PostSuccessTTL replaces InputTTL after a successful conversion, to
	// release memory sooner once the user has their output
	PostSuccessTTL time.Duration
}

// DefaultConfig returns sensible defaults for the cache
func DefaultConfig() Config {
	return Config{
		InputTTL:       2 * time.Minute,
		PostSuccessTTL: 30 * time.Second,
	}
}

// Input is the logical file a caller wants staged
type Input struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// Key derives the cache key identifying this exact input
func (in Input) Key() string {
	return fmt.Sprintf("%s|%d|%d", in.Name, len(in.Data), in.ModTime.UnixMilli())
}

// Cache owns the staged input and the known-files set. All mutation of
// either goes through its methods.
type Cache struct {
	eng engine.Engine
	cfg Config
	log *logging.Logger

	mu         sync.Mutex
	stagedKey  string
	stagedName string
	knownFiles map[string]bool
	evictTimer *time.Timer
	evictGen   uint64
}

// New creates a cache over the given engine handle
func New(eng engine.Engine, cfg Config, log *logging.Logger) *Cache {
	if cfg.InputTTL <= 0 {
		cfg.InputTTL = DefaultConfig().InputTTL
	}
	if cfg.PostSuccessTTL <= 0 {
		cfg.PostSuccessTTL = DefaultConfig().PostSuccessTTL
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Cache{
		eng:        eng,
		cfg:        cfg,
		log:        log,
		knownFiles: make(map[string]bool),
	}
}

// EnsureInputStaged writes the input into the engine file space unless the
// identical input is already staged and still present. Returns the staged
// engine file name.
func (c *Cache) EnsureInputStaged(ctx context.Context, in Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := in.Key()

	c.mu.Lock()
	if key == c.stagedKey && c.knownFiles[c.stagedName] {
		name := c.stagedName
		c.mu.Unlock()
		c.log.Debug("input cache hit", map[string]interface{}{"name": name})
		return name, nil
	}

	prevName := c.stagedName
	prevKnown := c.knownFiles[prevName]
	// Invalidate before staging so a failed write never leaves a stale
	// key pointing at new bytes.
	c.stagedKey = ""
	c.stagedName = ""
	c.mu.Unlock()

	if prevName != "" && prevKnown {
		if err := c.eng.DeleteFile(prevName); err != nil {
			c.log.Debug("stale input delete failed", map[string]interface{}{"name": prevName, "error": err.Error()})
		}
		c.forget(prevName)
	}

	staged := stagedInputName(in.Name)
	if err := c.eng.WriteFile(staged, in.Data); err != nil {
		return "", fmt.Errorf("staging input %s: %w", in.Name, err)
	}

	c.mu.Lock()
	c.stagedKey = key
	c.stagedName = staged
	c.knownFiles[staged] = true
	c.armEvictionLocked(c.cfg.InputTTL)
	c.mu.Unlock()

	c.log.Debug("input staged", map[string]interface{}{"name": staged, "bytes": len(in.Data)})
	return staged, nil
}

// ShortenInputTTL re-arms the eviction timer with the post-success TTL
func (c *Cache) ShortenInputTTL() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stagedName == "" {
		return
	}
	c.armEvictionLocked(c.cfg.PostSuccessTTL)
}

// armEvictionLocked arms or re-arms the TTL eviction timer. Caller holds
// mu. Each arming bumps the staging generation; Stop alone is not enough,
// a timer that already fired can still be blocked on mu.
func (c *Cache) armEvictionLocked(ttl time.Duration) {
	if c.evictTimer != nil {
		c.evictTimer.Stop()
	}
	c.evictGen++
	gen := c.evictGen
	c.evictTimer = time.AfterFunc(ttl, func() { c.evictInput(gen) })
}

// evictInput drops the staged input once its TTL expires. A stale
// generation means the input the timer was armed for is already gone or
// replaced, so the freshly staged entry must survive.
func (c *Cache) evictInput(gen uint64) {
	c.mu.Lock()
	if gen != c.evictGen {
		c.mu.Unlock()
		return
	}
	name := c.stagedName
	c.stagedKey = ""
	c.stagedName = ""
	c.mu.Unlock()

	if name == "" {
		return
	}
	if err := c.eng.DeleteFile(name); err != nil {
		c.log.Debug("input eviction delete failed", map[string]interface{}{"name": name, "error": err.Error()})
	}
	c.forget(name)
	c.log.Debug("staged input evicted", map[string]interface{}{"name": name})
}

// InvalidateInput drops the staged input immediately, for teardown paths
func (c *Cache) InvalidateInput() {
	c.mu.Lock()
	if c.evictTimer != nil {
		c.evictTimer.Stop()
		c.evictTimer = nil
	}
	gen := c.evictGen
	c.mu.Unlock()
	c.evictInput(gen)
}

// Track records that an engine file now exists, enabling O(1) existence
// checks instead of speculative reads.
func (c *Cache) Track(name string) {
	c.mu.Lock()
	c.knownFiles[name] = true
	c.mu.Unlock()
}

// Known reports whether an engine file is believed to exist
func (c *Cache) Known(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knownFiles[name]
}

func (c *Cache) forget(name string) {
	c.mu.Lock()
	delete(c.knownFiles, name)
	c.mu.Unlock()
}

// CleanupAfterConversion deletes the output and any intermediates in
// parallel. Short-lived frame sets can run to hundreds of files, so
// serial deletion would dominate wall-clock time. Missing files are
// expected noise, not failures; nothing here returns an error.
func (c *Cache) CleanupAfterConversion(outputName string, extra ...string) {
	names := make([]string, 0, len(extra)+1)
	if outputName != "" {
		names = append(names, outputName)
	}
	names = append(names, extra...)

	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := c.eng.DeleteFile(name); err != nil {
				c.log.Debug("cleanup delete failed", map[string]interface{}{"name": name, "error": err.Error()})
			}
			c.forget(name)
			return nil
		})
	}
	g.Wait()
}

// Reset clears all cache state without touching the engine, for use after
// the engine itself has been torn down.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evictTimer != nil {
		c.evictTimer.Stop()
		c.evictTimer = nil
	}
	c.evictGen++
	c.stagedKey = ""
	c.stagedName = ""
	c.knownFiles = make(map[string]bool)
}

// stagedInputName flattens an arbitrary user file name into the fixed
// engine-side input name, keeping the extension so demuxers can sniff it.
func stagedInputName(original string) string {
	ext := strings.ToLower(path.Ext(original))
	if ext == "" {
		ext = ".bin"
	}
	return "input" + ext
}
