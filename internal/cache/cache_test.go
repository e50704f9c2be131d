package cache

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pam-connect/server/internal/spatial"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{QuadtreeEntries: 4, PayloadSizeMB: 8, PayloadTTL: time.Minute})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestQuadtreeCache(t *testing.T) {
	m := newManager(t)
	builds := 0
	build := func() *spatial.Quadtree {
		builds++
		return spatial.NewQuadtree(nil, 2)
	}

	first := m.Quadtree("cortex", build)
	second := m.Quadtree("cortex", build)
	if first != second {
		t.Error("expected the cached quadtree to be returned")
	}
	if builds != 1 {
		t.Errorf("expected 1 build, got %d", builds)
	}

	m.Invalidate("cortex")
	if m.HasQuadtree("cortex") {
		t.Error("expected cortex to be invalidated")
	}
	m.Quadtree("cortex", build)
	m.Quadtree("thalamus", build)
	if builds != 3 {
		t.Errorf("expected 3 builds, got %d", builds)
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if m.HasQuadtree("cortex") || m.HasQuadtree("thalamus") {
		t.Error("expected Reset to drop every quadtree")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	m := newManager(t)
	data := bytes.Repeat([]byte("synapse"), 1000)
	if err := m.SetPayload(ResultKey("abc", "png"), data); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}
	got, ok := m.GetPayload(ResultKey("abc", "png"))
	if !ok {
		t.Fatal("expected payload hit")
	}
	if !bytes.Equal(got, data) {
		t.Error("payload changed in round trip")
	}

	m.DeletePayloads("run:abc:")
	if _, ok := m.GetPayload(ResultKey("abc", "png")); ok {
		t.Error("expected payload to be deleted")
	}
}

func TestKernelKey(t *testing.T) {
	base := KernelKey(0, "source", 256, "viridis", nil)
	if base != "kernel:0:source:256:viridis" {
		t.Fatalf("unexpected base key %q", base)
	}
	a := KernelKey(0, "source", 256, "viridis", []float64{0.5, 1})
	b := KernelKey(0, "source", 256, "viridis", []float64{0.5, 1})
	c := KernelKey(0, "source", 256, "viridis", []float64{0.5, 2})
	if a != b {
		t.Errorf("expected stable key, got %q vs %q", a, b)
	}
	if a == c || !strings.HasPrefix(a, base+":") {
		t.Errorf("expected argument hash suffix, got %q and %q", a, c)
	}
}
