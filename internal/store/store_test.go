package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nodevalidator/internal/types"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every KV implementation under test.
// The cgo driver is skipped when the binary was built without cgo.
func backends(t *testing.T) map[string]func(t *testing.T) KV {
	t.Helper()
	return map[string]func(t *testing.T) KV{
		"memory": func(t *testing.T) KV { return NewMemory() },
		"modernc": func(t *testing.T) KV {
			s, err := OpenSQLite(DriverPure, filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			return s
		},
		"mattn": func(t *testing.T) KV {
			s, err := OpenSQLite(DriverCGO, filepath.Join(t.TempDir(), "state.db"))
			if err != nil && strings.Contains(err.Error(), "CGO_ENABLED=0") {
				t.Skip("mattn/go-sqlite3 requires cgo")
			}
			require.NoError(t, err)
			return s
		},
	}
}

func TestKV_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			kv := open(t)
			defer kv.Close()

			got, err := kv.Get(ctx, "a", "b")
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, kv.Set(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
			require.NoError(t, kv.Set(ctx, map[string][]byte{"a": []byte("3")}))

			got, err = kv.Get(ctx, "a", "b", "c")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"a": []byte("3"), "b": []byte("2")}, got)

			require.NoError(t, kv.Delete(ctx, "a", "missing"))
			got, err = kv.Get(ctx, "a", "b")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"b": []byte("2")}, got)
		})
	}
}

func TestKV_ClosedStoreErrors(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			kv := open(t)
			require.NoError(t, kv.Close())
			_, err := kv.Get(context.Background(), "a")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := OpenSQLite(DriverPure, path)
	require.NoError(t, err)
	rs := NewRunStore(s)
	require.NoError(t, rs.Apply(ctx, Patch{CurrentIndex: Int(0), SetItems: true, Items: []types.Item{
		{URL: "https://a", TargetNode: "#x"},
	}}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(DriverPure, path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, CurrentSchemaVersion, GetSchemaVersion(s.DB()))

	snap, err := NewRunStore(s).Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "https://a", snap.Items[0].URL)
}

func TestOpenSQLite_RejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQLite("postgres", ":memory:")
	require.Error(t, err)
}

func TestRunStore_SnapshotDefaults(t *testing.T) {
	rs := NewRunStore(NewMemory())
	snap, err := rs.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Items)
	assert.Zero(t, snap.CurrentIndex)
	assert.Nil(t, snap.InitialFilterStartIndex)
	assert.False(t, snap.Stopped)
}

func TestRunStore_ApplyAndSnapshot(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	rs := NewRunStore(kv)

	items := []types.Item{
		{URL: "https://a", TargetNode: "#x"},
		{URL: "https://b", TargetNode: "//div", Status: types.StatusTruePositive, Comments: "ok"},
	}
	require.NoError(t, rs.Apply(ctx, Patch{
		SetItems:                true,
		Items:                   items,
		CurrentIndex:            Int(1),
		FilterStartIndex:        Int(1),
		InitialFilterStartIndex: Int(1),
		Stopped:                 Bool(true),
	}))

	snap, err := rs.Snapshot(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(items, snap.Items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, snap.CurrentIndex)
	assert.Equal(t, 1, snap.FilterStartIndex)
	require.NotNil(t, snap.InitialFilterStartIndex)
	assert.Equal(t, 1, *snap.InitialFilterStartIndex)
	assert.True(t, snap.Stopped)

	// The wire format keeps the original key names and status strings.
	raw, err := kv.Get(ctx, KeyItems)
	require.NoError(t, err)
	assert.Contains(t, string(raw[KeyItems]), `"status":"True Positive"`)

	require.NoError(t, rs.Apply(ctx, Patch{ClearInitialFilterStart: true}))
	snap, err = rs.Snapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap.InitialFilterStartIndex)
}

func TestRunStore_SnapshotClampsIndices(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	require.NoError(t, kv.Set(ctx, map[string][]byte{
		KeyItems:            []byte(`[{"url":"https://a","targetNode":"#x"}]`),
		KeyCurrentIndex:     []byte(`7`),
		KeyFilterStartIndex: []byte(`-2`),
	}))

	snap, err := NewRunStore(kv).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.CurrentIndex)
	assert.Equal(t, 0, snap.FilterStartIndex)
	assert.Equal(t, types.StatusPending, snap.Items[0].Status)
}

func TestRunStore_LegacyStatusSpelling(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	require.NoError(t, kv.Set(ctx, map[string][]byte{
		KeyItems: []byte(`[{"url":"https://a","targetNode":"#x","status":"Not Found"}]`),
	}))
	snap, err := NewRunStore(kv).Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusNotValid, snap.Items[0].Status)
}

func TestRunStore_WriteFailureSurfaces(t *testing.T) {
	kv := NewMemory()
	kv.SetFailure(errors.New("disk full"))
	err := NewRunStore(kv).Apply(context.Background(), Patch{Stopped: Bool(true)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunStore_Clear(t *testing.T) {
	ctx := context.Background()
	rs := NewRunStore(NewMemory())
	require.NoError(t, rs.Apply(ctx, Patch{CurrentIndex: Int(3), Stopped: Bool(true)}))
	require.NoError(t, rs.Clear(ctx))

	snap, err := rs.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.CurrentIndex)
	assert.False(t, snap.Stopped)
}

func TestPatch_Merge(t *testing.T) {
	p := Patch{CurrentIndex: Int(1), InitialFilterStartIndex: Int(0)}
	p = p.Merge(Patch{CurrentIndex: Int(2), Stopped: Bool(false)})
	p = p.Merge(Patch{ClearInitialFilterStart: true})

	assert.Equal(t, 2, *p.CurrentIndex)
	assert.False(t, *p.Stopped)
	assert.Nil(t, p.InitialFilterStartIndex)
	assert.True(t, p.ClearInitialFilterStart)
	assert.True(t, Patch{}.Empty())
}

func TestReports_CRUD(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(DriverPure, ":memory:")
	require.NoError(t, err)
	defer s.Close()
	reports := NewReports(s)

	older := Report{
		ID: "r1", Name: "first", CreatedAt: time.UnixMilli(1_700_000_000_000).UTC(), Total: 1,
		Summary: map[string]int{"True Positive": 1},
		Items:   []types.Item{{URL: "https://a", TargetNode: "#x", Status: types.StatusTruePositive}},
	}
	newer := older
	newer.ID, newer.Name = "r2", "second"
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)

	require.NoError(t, reports.Save(ctx, older))
	require.NoError(t, reports.Save(ctx, newer))

	list, err := reports.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].ID)
	assert.Nil(t, list[0].Items)

	got, err := reports.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, older.CreatedAt.Equal(got.CreatedAt))
	if diff := cmp.Diff(older.Items, got.Items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, reports.Delete(ctx, "r1"))
	_, err = reports.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrReportNotFound)
	assert.ErrorIs(t, reports.Delete(ctx, "r1"), ErrReportNotFound)
}
