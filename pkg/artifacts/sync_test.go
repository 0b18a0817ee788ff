package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory ObjectStore for tests.
type fakeStore struct {
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, ObjectInfo{Key: k, Size: int64(len(v)), LastModified: time.Now()})
		}
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStore) Put(_ context.Context, key string, data io.Reader, _ PutOptions) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	f.objects[key] = b
	return "fake://" + key, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) DeletePrefix(_ context.Context, prefix string) error {
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			delete(f.objects, k)
		}
	}
	return nil
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) Close() error { return nil }

func TestSyncer_Sync(t *testing.T) {
	store := newFakeStore()
	store.objects["p1/data/report.csv"] = []byte("a,b,c")
	store.objects["p1/notes.md"] = []byte("# notes")
	store.objects["p1/data/"] = []byte{} // directory marker
	store.objects["p2/other.txt"] = []byte("other project")

	root := t.TempDir()
	syncer := NewSyncer(store, root, SyncLimits{})

	dir, stats, err := syncer.Sync(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "p1"), dir)
	assert.Equal(t, 2, stats.Downloaded)
	assert.Equal(t, 0, stats.Skipped)

	data, err := os.ReadFile(filepath.Join(dir, "data", "report.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", string(data))

	// Nothing from the other project leaked in.
	_, err = os.Stat(filepath.Join(dir, "other.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestSyncer_Additive(t *testing.T) {
	store := newFakeStore()
	store.objects["p1/input.txt"] = []byte("input")

	root := t.TempDir()
	syncer := NewSyncer(store, root, SyncLimits{})

	dir, _, err := syncer.Sync(context.Background(), "p1")
	require.NoError(t, err)

	// A local file produced by an earlier execution.
	localOnly := filepath.Join(dir, "output.txt")
	require.NoError(t, os.WriteFile(localOnly, []byte("result"), 0o644))

	// Remove the remote object entirely; resync must not delete anything.
	delete(store.objects, "p1/input.txt")
	_, stats, err := syncer.Sync(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Downloaded)

	_, err = os.Stat(localOnly)
	assert.NoError(t, err, "local files must survive resync")
	_, err = os.Stat(filepath.Join(dir, "input.txt"))
	assert.NoError(t, err, "previously synced files must survive resync")
}

func TestSyncer_SkipsUnchanged(t *testing.T) {
	store := newFakeStore()
	store.objects["p1/file.txt"] = []byte("stable")

	syncer := NewSyncer(store, t.TempDir(), SyncLimits{})

	_, stats, err := syncer.Sync(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloaded)

	_, stats, err = syncer.Sync(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Downloaded)
	assert.Equal(t, 1, stats.Skipped)
}

func TestSyncer_FileCap(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 4; i++ {
		store.objects[fmt.Sprintf("p1/f%d", i)] = []byte("x")
	}

	syncer := NewSyncer(store, t.TempDir(), SyncLimits{MaxFiles: 3})

	_, _, err := syncer.Sync(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync limit")
}

func TestSyncer_ByteCap(t *testing.T) {
	store := newFakeStore()
	store.objects["p1/big"] = bytes.Repeat([]byte("x"), 100)

	syncer := NewSyncer(store, t.TempDir(), SyncLimits{MaxBytes: 50})

	_, _, err := syncer.Sync(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync limit")
}

func TestSyncer_RejectsTraversal(t *testing.T) {
	store := newFakeStore()
	store.objects["p1/../../etc/passwd"] = []byte("nope")
	store.objects["p1/ok.txt"] = []byte("fine")

	root := t.TempDir()
	syncer := NewSyncer(store, root, SyncLimits{})

	dir, stats, err := syncer.Sync(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Downloaded)
	assert.Equal(t, 1, stats.Skipped)

	_, err = os.Stat(filepath.Join(dir, "ok.txt"))
	assert.NoError(t, err)
}
