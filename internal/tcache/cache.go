package tcache

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/dbt/internal/softmmu"
)

const (
	physHashBits = 15
	physHashSize = 1 << physHashBits

	JmpCacheBits = 12
	JmpCacheSize = 1 << JmpCacheBits
)

// JmpCache is the per-CPU direct-mapped virtual-PC lookup cache. Stale
// slots are harmless; the equality gate in the fast lookup rejects them.
type JmpCache [JmpCacheSize]*TranslationBlock

// JmpCacheHash maps a guest PC to its slot.
func JmpCacheHash(pc uint64) uint64 {
	return (pc ^ (pc >> JmpCacheBits)) & (JmpCacheSize - 1)
}

// Clear drops every cached block pointer.
func (jc *JmpCache) Clear() {
	for i := range jc {
		jc[i] = nil
	}
}

func physHashFunc(physPC uint64) uint64 {
	return (physPC >> 2) & (physHashSize - 1)
}

// Stats counts lookup outcomes: fast-tier hits, slow-tier chain hits, and
// generator invocations.
type Stats struct {
	TBHits   uint64
	TBMisses uint64
	TBRegens uint64
}

// Generator produces a freshly translated block for a lookup key. It may
// flush the cache when it cannot allocate host code space; Flush leaves the
// invalidated flag set so the execution loop drops its chain state, and the
// returned block is valid in the cleared cache.
type Generator interface {
	Gen(pc, csBase uint64, flags uint64, cflags uint32) (*TranslationBlock, error)
}

// JumpPatcher rewrites the direct-jump slot of prev's host code to enter
// next. Installed by the generator backend; nil when host code does not
// support chaining.
type JumpPatcher func(prev *TranslationBlock, slot uint32, next *TranslationBlock)

// Cache is the per-machine translated-code cache.
type Cache struct {
	physHash [physHashSize]*TranslationBlock

	gen    Generator
	patch  JumpPatcher
	region *CodeRegion

	Stats Stats

	// invalidated is set by any flush and cleared by the execution loop
	// once it has discarded the block pointers it was holding.
	invalidated bool

	// deferredFlush is raised by instrumentation that cannot flush in
	// place; the flush happens at the next lookup.
	deferredFlush atomic.Bool
}

// NewCache builds a cache around the given generator. region may be nil for
// configurations whose generator manages its own code memory.
func NewCache(gen Generator, region *CodeRegion) *Cache {
	return &Cache{gen: gen, region: region}
}

// SetJumpPatcher installs the host-code patching hook.
func (c *Cache) SetJumpPatcher(p JumpPatcher) {
	c.patch = p
}

// Region returns the executable region generators emit into, or nil.
func (c *Cache) Region() *CodeRegion {
	return c.region
}

// Flush wipes all translated code. Every previously obtained block pointer
// and every patched jump is dangling afterwards; the invalidated flag stays
// set until the execution loop acknowledges it.
func (c *Cache) Flush(jc *JmpCache) {
	for i := range c.physHash {
		c.physHash[i] = nil
	}
	if jc != nil {
		jc.Clear()
	}
	if c.region != nil {
		c.region.Reset()
	}
	c.invalidated = true
}

// InvalidateBeforeFetch requests a flush at the next lookup. Used by
// instrumentation that must not destroy the code it is currently running
// inside.
func (c *Cache) InvalidateBeforeFetch() {
	c.deferredFlush.Store(true)
}

// FlushIfDeferred performs a pending deferred flush, reporting whether one
// happened.
func (c *Cache) FlushIfDeferred(jc *JmpCache) bool {
	if !c.deferredFlush.Swap(false) {
		return false
	}
	c.Flush(jc)
	return true
}

// TakeInvalidated reads and clears the invalidated flag.
func (c *Cache) TakeInvalidated() bool {
	v := c.invalidated
	c.invalidated = false
	return v
}

// Lookup is the slow tier: walk the physical-hash chain for
// (pc, csBase, flags), verify two-page coherence, and fall back to the
// generator. A hit is promoted to the head of its bucket and installed in
// the virtual-PC cache.
func (c *Cache) Lookup(jc *JmpCache, pc, csBase uint64, flags uint64, physPC func(uint64) uint64) (*TranslationBlock, error) {
	c.invalidated = false

	physPc := physPC(pc)
	physPage1 := physPc & softmmu.PageMask
	h := physHashFunc(physPc)

	link := &c.physHash[h]
	var tb *TranslationBlock
	found := false
	for {
		tb = *link
		if tb == nil {
			break
		}
		if tb.PC == pc && tb.PageAddr[0] == physPage1 && tb.CSBase == csBase && tb.Flags == flags {
			if !tb.Spanning() {
				found = true
			} else {
				// The block spans two pages; it only matches while the
				// second virtual page still translates to the physical
				// page it was generated from.
				virtPage2 := (pc & softmmu.PageMask) + softmmu.PageSize
				found = tb.PageAddr[1] == physPC(virtPage2)
			}
			if found {
				c.Stats.TBMisses++
				break
			}
		}
		link = &tb.physHashNext
	}

	if !found {
		var err error
		tb, err = c.gen.Gen(pc, csBase, flags, 0)
		if err != nil {
			return nil, fmt.Errorf("tcache: generate block at %#x: %w", pc, err)
		}
		// The generator wrote into the code region; flip it to
		// read-execute before the block can be entered.
		if c.region != nil {
			if err := c.region.Publish(); err != nil {
				return nil, err
			}
		}
		c.Stats.TBRegens++
		tb.PageAddr[0] = physPage1
		tb.physHashNext = c.physHash[h]
		c.physHash[h] = tb
	} else {
		// Move the hit to the head of its bucket.
		*link = tb.physHashNext
		tb.physHashNext = c.physHash[h]
		c.physHash[h] = tb
	}

	jc[JmpCacheHash(pc)] = tb
	return tb, nil
}

// AddJump records and patches a direct jump from prev's exit slot into
// next. Callers must never chain into a page-spanning block.
func (c *Cache) AddJump(prev *TranslationBlock, exitCode uint32, next *TranslationBlock) {
	slot := exitCode & ExitMask
	if slot > ExitIdxMax {
		return
	}
	if prev.jmpNext[slot] != nil {
		return
	}
	prev.jmpNext[slot] = next
	if c.patch != nil {
		c.patch(prev, slot, next)
	}
}
