package replicate

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fraicap/fraicap/internal/catalog"
	"github.com/fraicap/fraicap/internal/fsutil"
)

type fakeAnnouncer struct {
	mu   sync.Mutex
	msgs []string
}

func (a *fakeAnnouncer) Announce(what string) {
	a.mu.Lock()
	a.msgs = append(a.msgs, what)
	a.mu.Unlock()
}

func (a *fakeAnnouncer) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.msgs))
	copy(out, a.msgs)
	return out
}

func TestReplicatesSegmentsAndMarksCopied(t *testing.T) {
	root := t.TempDir()
	mount := filepath.Join(root, "mnt")

	memfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, memfs.MkdirAll(filepath.Join(mount, "PENDRIVE"), 0o755))

	srcBase := filepath.Join(root, "capture", "01", "2026.07.31", "12.00.00", "0001")
	require.NoError(t, memfs.MkdirAll(srcBase, 0o755))
	require.NoError(t, memfs.WriteFile(filepath.Join(srcBase, "gps.csv"), []byte("header\r\n1;2;3\r\n"), 0o644))

	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()
	require.NoError(t, cat.UpsertSegment(catalog.Segment{
		Folio: "A01-260731120000", Estado: catalog.StatusCapOK, Dir: srcBase,
	}))

	ann := &fakeAnnouncer{}
	eng := NewEngine(mount, cat, ann, memfs)
	go eng.Run()
	defer eng.Stop()

	require.Eventually(t, func() bool {
		seg, err := cat.Get("A01-260731120000")
		return err == nil && seg.Copiado != nil && *seg.Copiado == catalog.CopyOK
	}, 3*time.Second, 20*time.Millisecond)

	dest := filepath.Join(mount, "PENDRIVE", "01", "2026.07.31", "12.00.00", "0001")
	data, err := memfs.ReadFile(filepath.Join(dest, "gps.csv"))
	require.NoError(t, err)
	require.Equal(t, "header\r\n1;2;3\r\n", string(data))

	msgs := ann.snapshot()
	require.Contains(t, msgs, "EXT_DRIVE_IN_USE")
	require.Contains(t, msgs, "EXT_DRIVE_NOT_IN_USE")
}

func TestRecopyingIsIdempotent(t *testing.T) {
	root := t.TempDir()
	mount := filepath.Join(root, "mnt")

	memfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, memfs.MkdirAll(filepath.Join(mount, "PENDRIVE"), 0o755))

	srcBase := filepath.Join(root, "capture", "01", "d", "s", "0001")
	require.NoError(t, memfs.MkdirAll(srcBase, 0o755))
	require.NoError(t, memfs.WriteFile(filepath.Join(srcBase, "a.bin"), []byte{1, 2, 3}, 0o644))

	dest := filepath.Join(mount, "PENDRIVE", "01", "d", "s", "0001")
	require.NoError(t, memfs.MkdirAll(dest, 0o755))
	require.NoError(t, memfs.WriteFile(filepath.Join(dest, "stale.txt"), []byte("old"), 0o644))

	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()
	require.NoError(t, cat.UpsertSegment(catalog.Segment{Folio: "A01-x", Estado: catalog.StatusCapOK, Dir: srcBase}))

	ann := &fakeAnnouncer{}
	eng := NewEngine(mount, cat, ann, memfs)
	go eng.Run()
	defer eng.Stop()

	require.Eventually(t, func() bool {
		seg, err := cat.Get("A01-x")
		return err == nil && seg.Copiado != nil
	}, 3*time.Second, 20*time.Millisecond)

	require.False(t, memfs.Exists(filepath.Join(dest, "stale.txt")), "stale partial copy should have been removed before re-copy")
	require.True(t, memfs.Exists(filepath.Join(dest, "a.bin")))
}
