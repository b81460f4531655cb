package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/streamhub/internal/source"
)

const twoCameras = `
sources:
  - physical_id: cam1
    kind: video
    name: front
    formats: [image/jpeg]
    capabilities:
      fps: "30"
  - physical_id: cam2
    kind: video
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(twoCameras))
	require.NoError(t, err)
	require.Len(t, f.Sources, 2)
	assert.Equal(t, source.KindVideo, f.Sources[0].Kind)
	assert.Equal(t, []string{"image/jpeg"}, f.Sources[0].Formats)
	assert.Equal(t, "30", f.Sources[0].Capabilities["fps"])

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Sources)

	_, err = Parse([]byte("sources:\n  - kind: video\n"))
	assert.ErrorContains(t, err, "empty physical_id")

	_, err = Parse([]byte("sources:\n  - {physical_id: a, kind: video}\n  - {physical_id: a, kind: audio}\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = Parse([]byte("sources:\n  - {physical_id: a, kind: video, fps: 3}\n"))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestApplyDiffs(t *testing.T) {
	ctx := context.Background()
	reg := source.NewRegistry(source.Params{Logger: zaptest.NewLogger(t)})
	var events []source.Event
	reg.AddListener(func(ev source.Event) { events = append(events, ev) })

	f, err := Parse([]byte(twoCameras))
	require.NoError(t, err)
	applied := Apply(ctx, reg, nil, f.Sources, zaptest.NewLogger(t))
	assert.Len(t, applied, 2)
	assert.Len(t, reg.ListActive(), 2)

	// Unchanged entries are not registered again.
	events = nil
	applied = Apply(ctx, reg, applied, f.Sources, nil)
	assert.Empty(t, events)

	// cam1 changes, cam2 disappears, mic appears with an unsupported kind.
	next := []source.Descriptor{
		{PhysicalID: "cam1", Kind: source.KindVideo, Name: "renamed"},
		{PhysicalID: "mic", Kind: "smell"},
	}
	applied = Apply(ctx, reg, applied, next, nil)
	require.Len(t, applied, 1)
	assert.Equal(t, "cam1", applied[0].PhysicalID)

	cam2, err := reg.Get(source.ID("cam2"))
	require.NoError(t, err)
	assert.Equal(t, source.HealthLost, cam2.Health)
	cam1, err := reg.Get(source.ID("cam1"))
	require.NoError(t, err)
	assert.Equal(t, "renamed", cam1.Descriptor.Name)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoCameras), 0o644))

	reg := source.NewRegistry(source.Params{Logger: zaptest.NewLogger(t)})
	var mu sync.Mutex
	var applies [][]source.Descriptor
	w := NewWatcher(WatcherParams{
		Path:     path,
		Registry: reg,
		Debounce: 10 * time.Millisecond,
		Logger:   zaptest.NewLogger(t),
		OnApply: func(d []source.Descriptor) {
			mu.Lock()
			applies = append(applies, d)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reg.ListActive()) == 2 }, 2*time.Second, 5*time.Millisecond)

	// A broken file keeps the previous catalog.
	require.NoError(t, os.WriteFile(path, []byte("sources: [\n"), 0o644))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, reg.ListActive(), 2)

	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - {physical_id: cam1, kind: video}\n"), 0o644))
	require.Eventually(t, func() bool { return len(reg.ListActive()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(applies), 2)
	last := applies[len(applies)-1]
	require.Len(t, last, 1)
	assert.Equal(t, "cam1", last[0].PhysicalID)
}

func TestWatcherMissingFile(t *testing.T) {
	w := NewWatcher(WatcherParams{Path: filepath.Join(t.TempDir(), "absent.yaml"), Registry: source.NewRegistry(source.Params{})})
	assert.Error(t, w.Run(context.Background()))
}
