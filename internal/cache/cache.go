// Package cache owns the engine's caches: the per-layer UV quadtrees and a
// byte cache of rendered images and serialised results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/pam-connect/server/internal/spatial"
)

// Config contains cache configuration.
type Config struct {
	QuadtreeEntries int
	PayloadSizeMB   int
	PayloadTTL      time.Duration
}

// Manager caches quadtrees per layer and compressed payloads. It replaces
// any process-wide state: callers own it and reset it explicitly.
type Manager struct {
	mu        sync.Mutex
	quadtrees *lru.Cache[string, *spatial.Quadtree]
	payloads  *bigcache.BigCache
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.QuadtreeEntries <= 0 {
		cfg.QuadtreeEntries = 64
	}
	if cfg.PayloadTTL <= 0 {
		cfg.PayloadTTL = 30 * time.Minute
	}

	payloadConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.PayloadTTL,
		CleanWindow:        cfg.PayloadTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024,
		HardMaxCacheSize:   cfg.PayloadSizeMB,
		Verbose:            false,
	}
	payloads, err := bigcache.New(context.Background(), payloadConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}

	quadtrees, err := lru.New[string, *spatial.Quadtree](cfg.QuadtreeEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create quadtree cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Manager{
		quadtrees: quadtrees,
		payloads:  payloads,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Quadtree returns the cached quadtree of a layer, building it on first use.
func (m *Manager) Quadtree(layer string, build func() *spatial.Quadtree) *spatial.Quadtree {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.quadtrees.Get(layer); ok {
		return q
	}
	q := build()
	m.quadtrees.Add(layer, q)
	return q
}

// HasQuadtree reports whether a layer's quadtree is cached.
func (m *Manager) HasQuadtree(layer string) bool {
	return m.quadtrees.Contains(layer)
}

// Invalidate drops the quadtree of one layer.
func (m *Manager) Invalidate(layer string) {
	m.quadtrees.Remove(layer)
}

// Reset drops every cached quadtree and payload.
func (m *Manager) Reset() error {
	m.quadtrees.Purge()
	return m.payloads.Reset()
}

// GetPayload retrieves and decompresses a payload.
func (m *Manager) GetPayload(key string) ([]byte, bool) {
	data, err := m.payloads.Get(key)
	if err != nil {
		return nil, false
	}
	out, err := m.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, false
	}
	return out, true
}

// SetPayload compresses and stores a payload.
func (m *Manager) SetPayload(key string, data []byte) error {
	return m.payloads.Set(key, m.encoder.EncodeAll(data, nil))
}

// DeletePayloads removes every payload whose key starts with prefix.
func (m *Manager) DeletePayloads(prefix string) {
	var keys []string
	it := m.payloads.Iterator()
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(entry.Key(), prefix) {
			keys = append(keys, entry.Key())
		}
	}
	for _, k := range keys {
		_ = m.payloads.Delete(k)
	}
}

// ResultKey generates a cache key for a run artefact.
func ResultKey(runID, kind string) string {
	return fmt.Sprintf("run:%s:%s", runID, kind)
}

// KernelKey generates a cache key for a rendered kernel mask.
func KernelKey(connection int, side string, size int, colormap string, args []float64) string {
	base := fmt.Sprintf("kernel:%d:%s:%d:%s", connection, side, size, colormap)
	if len(args) == 0 {
		return base
	}
	h := sha256.New()
	h.Write([]byte(base))
	for _, a := range args {
		h.Write([]byte(fmt.Sprintf("%g;", a)))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	layers := m.quadtrees.Keys()
	sort.Strings(layers)
	return map[string]interface{}{
		"payload_cache_len": m.payloads.Len(),
		"payload_cache_cap": m.payloads.Capacity(),
		"quadtree_len":      m.quadtrees.Len(),
		"quadtree_layers":   layers,
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.decoder.Close()
	return m.payloads.Close()
}
