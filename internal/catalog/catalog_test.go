package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSystemIDDefaultsThenPersists(t *testing.T) {
	db := openTestDB(t)

	id, err := db.SystemID()
	require.NoError(t, err)
	require.Equal(t, "UNSET", id)

	require.NoError(t, db.SetSystemID("FRAI01"))
	id, err = db.SystemID()
	require.NoError(t, err)
	require.Equal(t, "FRAI01", id)
}

func TestUpsertSegmentIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	seg := Segment{
		Folio:      "A01-260731120000",
		Timestamp:  1,
		Estado:     StatusCapOK,
		Dir:        "01/2026.07.31/12.00.00/0001",
		DuracionS:  120,
		DistanciaM: 340.5,
		LonIni:     -70.1, LatIni: -33.4,
		LonFin: -70.2, LatFin: -33.5,
	}
	require.NoError(t, db.UpsertSegment(seg))
	require.NoError(t, db.UpsertSegment(seg))

	got, err := db.Get(seg.Folio)
	require.NoError(t, err)
	require.Equal(t, seg.Dir, got.Dir)
	require.Equal(t, seg.DuracionS, got.DuracionS)
	require.InDelta(t, seg.DistanciaM, got.DistanciaM, 1e-9)
}

func TestUpsertSegmentPersistsOptionalStats(t *testing.T) {
	db := openTestDB(t)

	loss, invalid, p50, p85 := 1.2, 0.4, 6.7, 9.3
	seg := Segment{
		Folio:           "A01-260731130000",
		Estado:          StatusCapOK,
		Dir:             "01/2026.07.31/13.00.00/0001",
		LidarLossPct:    &loss,
		LidarInvalidPct: &invalid,
		P50Speed:        &p50,
		P85Speed:        &p85,
	}
	require.NoError(t, db.UpsertSegment(seg))

	got, err := db.Get(seg.Folio)
	require.NoError(t, err)
	require.NotNil(t, got.LidarLossPct)
	require.InDelta(t, loss, *got.LidarLossPct, 1e-9)
	require.NotNil(t, got.LidarInvalidPct)
	require.InDelta(t, invalid, *got.LidarInvalidPct, 1e-9)
	require.NotNil(t, got.P50Speed)
	require.InDelta(t, p50, *got.P50Speed, 1e-9)
	require.NotNil(t, got.P85Speed)
	require.InDelta(t, p85, *got.P85Speed, 1e-9)
}

func TestCopyWorklistExcludesCapturingAndCopiedOK(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.UpsertSegment(Segment{Folio: "A01-1", Estado: StatusCapturing, Dir: "d1"}))
	require.NoError(t, db.UpsertSegment(Segment{Folio: "A01-2", Estado: StatusCapOK, Dir: "d2"}))
	require.NoError(t, db.UpsertSegment(Segment{Folio: "A01-3", Estado: StatusCapOK, Dir: "d3"}))
	require.NoError(t, db.MarkCopied("A01-3"))

	list, err := db.CopyWorklist()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "A01-2", list[0].Folio)
	require.Equal(t, "d2", list[0].Dir)
}

func TestMarkCopiedTwiceIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.UpsertSegment(Segment{Folio: "A01-4", Estado: StatusCapOK, Dir: "d4"}))
	require.NoError(t, db.MarkCopied("A01-4"))
	require.NoError(t, db.MarkCopied("A01-4"))

	got, err := db.Get("A01-4")
	require.NoError(t, err)
	require.NotNil(t, got.Copiado)
	require.Equal(t, CopyOK, *got.Copiado)
}
