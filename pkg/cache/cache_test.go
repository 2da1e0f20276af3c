package cache

import (
	"context"
	"testing"
	"time"

	"github.com/vidforge/vidforge/pkg/engine"
	"github.com/vidforge/vidforge/pkg/models"
)

func testInput(name string, size int) Input {
	return Input{
		Name:    name,
		Data:    make([]byte, size),
		ModTime: time.Unix(1700000000, 0),
	}
}

func TestCache_StaleEvictionSparesRestagedInput(t *testing.T) {
	eng := engine.NewFakeEngine()
	c := New(eng, DefaultConfig(), nil)
	ctx := context.Background()

	if _, err := c.EnsureInputStaged(ctx, testInput("a.mp4", 100)); err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	staleGen := c.evictGen
	c.mu.Unlock()

	// restaging a changed input re-arms eviction under a new generation
	if _, err := c.EnsureInputStaged(ctx, testInput("a.mp4", 200)); err != nil {
		t.Fatal(err)
	}

	// a timer armed for the first staging that only now gets the lock
	c.evictInput(staleGen)

	if !eng.HasFile("input.mp4") {
		t.Fatal("restaged input was evicted by a stale timer")
	}
	if !c.Known("input.mp4") {
		t.Error("restaged input no longer tracked")
	}

	// the current generation still evicts
	c.mu.Lock()
	liveGen := c.evictGen
	c.mu.Unlock()
	c.evictInput(liveGen)
	if eng.HasFile("input.mp4") {
		t.Error("live eviction left the input staged")
	}
}

func TestCache_StagingHit(t *testing.T) {
	eng := engine.NewFakeEngine()
	c := New(eng, DefaultConfig(), nil)
	ctx := context.Background()

	name1, err := c.EnsureInputStaged(ctx, testInput("clip.mp4", 1024))
	if err != nil {
		t.Fatal(err)
	}
	if name1 != "input.mp4" {
		t.Errorf("staged name = %s, want input.mp4", name1)
	}

	// Same (name, size, mtime): no second write/delete cycle
	writesBefore := eng.FileCount()
	name2, err := c.EnsureInputStaged(ctx, testInput("clip.mp4", 1024))
	if err != nil {
		t.Fatal(err)
	}
	if name2 != name1 {
		t.Errorf("second staging returned %s, want %s", name2, name1)
	}
	if eng.FileCount() != writesBefore {
		t.Error("cache hit still touched the engine file space")
	}
}

func TestCache_StagingReplacesOldInput(t *testing.T) {
	eng := engine.NewFakeEngine()
	c := New(eng, DefaultConfig(), nil)
	ctx := context.Background()

	if _, err := c.EnsureInputStaged(ctx, testInput("a.mp4", 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.EnsureInputStaged(ctx, testInput("b.webm", 200)); err != nil {
		t.Fatal(err)
	}

	if eng.HasFile("input.mp4") {
		t.Error("previous staged input survived restaging")
	}
	if !eng.HasFile("input.webm") {
		t.Error("new input not staged")
	}
	if c.Known("input.mp4") {
		t.Error("replaced input still tracked as known")
	}
}

func TestCache_ModifiedInputRestaged(t *testing.T) {
	eng := engine.NewFakeEngine()
	c := New(eng, DefaultConfig(), nil)
	ctx := context.Background()

	in := testInput("clip.mp4", 100)
	if _, err := c.EnsureInputStaged(ctx, in); err != nil {
		t.Fatal(err)
	}

	in.ModTime = in.ModTime.Add(time.Second)
	if _, err := c.EnsureInputStaged(ctx, in); err != nil {
		t.Fatal(err)
	}

	cmds := eng.FileCount()
	if cmds != 1 {
		t.Errorf("file count = %d, want exactly the restaged input", cmds)
	}
}

func TestCache_TTLEviction(t *testing.T) {
	eng := engine.NewFakeEngine()
	c := New(eng, Config{InputTTL: 20 * time.Millisecond, PostSuccessTTL: 10 * time.Millisecond}, nil)
	ctx := context.Background()

	if _, err := c.EnsureInputStaged(ctx, testInput("clip.mp4", 64)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for eng.HasFile("input.mp4") {
		if time.Now().After(deadline) {
			t.Fatal("staged input never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.Known("input.mp4") {
		t.Error("evicted input still tracked as known")
	}
}

func TestCache_CleanupAfterConversion(t *testing.T) {
	eng := engine.NewFakeEngine()
	c := New(eng, DefaultConfig(), nil)

	for _, name := range []string{"output.gif", "palette.png", "frame_001.png"} {
		eng.WriteFile(name, []byte{1})
		c.Track(name)
	}

	// Includes names that never existed; those must be silent no-ops
	c.CleanupAfterConversion("output.gif", "palette.png", "frame_001.png", "frame_002.png")

	for _, name := range []string{"output.gif", "palette.png", "frame_001.png"} {
		if eng.HasFile(name) {
			t.Errorf("%s survived cleanup", name)
		}
		if c.Known(name) {
			t.Errorf("%s still tracked after cleanup", name)
		}
	}
}

func TestCache_Reset(t *testing.T) {
	eng := engine.NewFakeEngine()
	c := New(eng, DefaultConfig(), nil)
	ctx := context.Background()

	if _, err := c.EnsureInputStaged(ctx, testInput("clip.mp4", 64)); err != nil {
		t.Fatal(err)
	}
	c.Reset()

	if c.Known("input.mp4") {
		t.Error("known files survived Reset")
	}
	// Reset does not touch the engine; the file itself stays
	if !eng.HasFile("input.mp4") {
		t.Error("Reset deleted engine files")
	}
}

func TestValidateOutput(t *testing.T) {
	gif := append([]byte("GIF89a"), make([]byte, 200)...)
	webp := append([]byte("RIFF\x00\x00\x00\x00WEBP"), make([]byte, 100)...)
	mp4 := append([]byte{0, 0, 0, 32, 'f', 't', 'y', 'p'}, make([]byte, 300)...)

	tests := []struct {
		name   string
		data   []byte
		format models.Format
		valid  bool
	}{
		{"valid gif", gif, models.FormatGIF, true},
		{"valid webp", webp, models.FormatWebP, true},
		{"valid mp4", mp4, models.FormatMP4, true},
		{"empty buffer", nil, models.FormatGIF, false},
		{"too short despite signature", []byte("GIF89a"), models.FormatGIF, false},
		{"wrong signature with enough bytes", append([]byte("NOTGIF"), make([]byte, 200)...), models.FormatGIF, false},
		{"riff without webp tag", append([]byte("RIFF\x00\x00\x00\x00AVI "), make([]byte, 100)...), models.FormatWebP, false},
		{"gif bytes checked as webp", gif, models.FormatWebP, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateOutput(tt.data, tt.format)
			if got.Valid != tt.valid {
				t.Errorf("Valid = %v (reason %q), want %v", got.Valid, got.Reason, tt.valid)
			}
			if !got.Valid && got.Reason == "" {
				t.Error("invalid result carries no reason")
			}
		})
	}
}
