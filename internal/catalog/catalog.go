// Package catalog persists FRAICAP's segment ("tramo") database: the
// durable record of every segment a capture session has produced, and
// the worklist the replication agent drains. Grounded on the teacher's
// internal/db package — pure-Go sqlite (modernc.org/sqlite), schema
// managed by golang-migrate/migrate/v4 against an embedded migration
// set, with the same performance PRAGMAs applied on every connection.
package catalog

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/fraicap/fraicap/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SegmentStatus mirrors spec.md §6's "estado" enum.
type SegmentStatus int

const (
	StatusCapturing SegmentStatus = 0
	StatusCapFailed SegmentStatus = -1
	StatusCapOK     SegmentStatus = 1
)

// CopyStatus mirrors spec.md §6's "copiado" enum.
type CopyStatus int

const (
	CopyNotCopied CopyStatus = 0
	CopyOK        CopyStatus = 1
)

// Segment is one row of the tramos table.
type Segment struct {
	Folio           string
	Timestamp       int64
	Estado          SegmentStatus
	Dir             string
	DuracionS       int64
	DistanciaM      float64
	LonIni, LatIni  float64
	LonFin, LatFin  float64
	Copiado         *CopyStatus
	LidarLossPct    *float64
	LidarInvalidPct *float64
	P50Speed        *float64
	P85Speed        *float64
}

// DB wraps a catalog connection.
type DB struct {
	conn *sql.DB
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("catalog: apply %q: %w", p, err)
		}
	}
	return nil
}

// Open opens (creating if necessary) the sqlite catalog at path and
// migrates it to the latest schema version.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}
	db := &DB{conn: conn}
	if err := db.migrateUp(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrateUp() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("catalog: migration source: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db.conn, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("catalog: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("catalog: migration init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("catalog: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// SystemID returns the persisted sys_id, creating a placeholder ("UNSET")
// the first time it's queried so callers never see a missing row —
// matches manager.py's tolerance of a missing sys_id (SPEC_FULL.md §6,
// bootstrap step 1).
func (db *DB) SystemID() (string, error) {
	var id string
	err := db.conn.QueryRow(`SELECT sys_id FROM system WHERE id = 1`).Scan(&id)
	if err == sql.ErrNoRows {
		id = "UNSET"
		if _, err := db.conn.Exec(`INSERT INTO system (id, sys_id) VALUES (1, ?)`, id); err != nil {
			return "", fmt.Errorf("catalog: seed sys_id: %w", err)
		}
		monitoring.Logf("catalog: no sys_id configured, using placeholder %q", id)
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("catalog: read sys_id: %w", err)
	}
	return id, nil
}

// SetSystemID overwrites the persisted sys_id.
func (db *DB) SetSystemID(id string) error {
	_, err := db.conn.Exec(`INSERT INTO system (id, sys_id) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET sys_id = excluded.sys_id`, id)
	return err
}

// UpsertSegment inserts or replaces a segment row, keyed on folio. This
// is the idempotence point spec.md §8 requires: "finalizing the same
// segment twice writes the same row."
func (db *DB) UpsertSegment(s Segment) error {
	var copiado any
	if s.Copiado != nil {
		copiado = int(*s.Copiado)
	}
	_, err := db.conn.Exec(`
		INSERT INTO tramos (num_folio, timestamp, estado, dir, duracion, distancia,
			lon_ini, lat_ini, lon_fin, lat_fin, copiado, lidar_loss_pct, lidar_invalid_pct,
			p50_speed, p85_speed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(num_folio) DO UPDATE SET
			timestamp = excluded.timestamp,
			estado = excluded.estado,
			dir = excluded.dir,
			duracion = excluded.duracion,
			distancia = excluded.distancia,
			lon_ini = excluded.lon_ini,
			lat_ini = excluded.lat_ini,
			lon_fin = excluded.lon_fin,
			lat_fin = excluded.lat_fin,
			copiado = excluded.copiado,
			lidar_loss_pct = excluded.lidar_loss_pct,
			lidar_invalid_pct = excluded.lidar_invalid_pct,
			p50_speed = excluded.p50_speed,
			p85_speed = excluded.p85_speed
	`, s.Folio, s.Timestamp, int(s.Estado), s.Dir, s.DuracionS, s.DistanciaM,
		s.LonIni, s.LatIni, s.LonFin, s.LatFin, copiado, s.LidarLossPct, s.LidarInvalidPct,
		s.P50Speed, s.P85Speed)
	if err != nil {
		return fmt.Errorf("catalog: upsert segment %s: %w", s.Folio, err)
	}
	return nil
}

// WorklistEntry is one (directory, folio) pair the replication agent
// must still copy.
type WorklistEntry struct {
	Dir   string
	Folio string
}

// CopyWorklist returns every segment whose status is not CAPTURING and
// whose copy status is not COPIED_OK, ordered by folio (spec.md §3).
func (db *DB) CopyWorklist() ([]WorklistEntry, error) {
	rows, err := db.conn.Query(`
		SELECT dir, num_folio FROM tramos
		WHERE estado != ? AND (copiado IS NULL OR copiado != ?)
		ORDER BY num_folio ASC
	`, int(StatusCapturing), int(CopyOK))
	if err != nil {
		return nil, fmt.Errorf("catalog: worklist query: %w", err)
	}
	defer rows.Close()
	var out []WorklistEntry
	for rows.Next() {
		var e WorklistEntry
		if err := rows.Scan(&e.Dir, &e.Folio); err != nil {
			return nil, fmt.Errorf("catalog: worklist scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkCopied flags folio as COPIED_OK.
func (db *DB) MarkCopied(folio string) error {
	_, err := db.conn.Exec(`UPDATE tramos SET copiado = ? WHERE num_folio = ?`, int(CopyOK), folio)
	if err != nil {
		return fmt.Errorf("catalog: mark copied %s: %w", folio, err)
	}
	return nil
}

// Get returns a single segment row by folio, or sql.ErrNoRows.
func (db *DB) Get(folio string) (Segment, error) {
	var s Segment
	var copiado sql.NullInt64
	var lidarLoss, lidarInvalid, p50Speed, p85Speed sql.NullFloat64
	row := db.conn.QueryRow(`
		SELECT num_folio, timestamp, estado, dir, duracion, distancia,
			lon_ini, lat_ini, lon_fin, lat_fin, copiado,
			lidar_loss_pct, lidar_invalid_pct, p50_speed, p85_speed
		FROM tramos WHERE num_folio = ?`, folio)
	var estado int
	if err := row.Scan(&s.Folio, &s.Timestamp, &estado, &s.Dir, &s.DuracionS, &s.DistanciaM,
		&s.LonIni, &s.LatIni, &s.LonFin, &s.LatFin, &copiado,
		&lidarLoss, &lidarInvalid, &p50Speed, &p85Speed); err != nil {
		return Segment{}, err
	}
	s.Estado = SegmentStatus(estado)
	if lidarLoss.Valid {
		s.LidarLossPct = &lidarLoss.Float64
	}
	if lidarInvalid.Valid {
		s.LidarInvalidPct = &lidarInvalid.Float64
	}
	if p50Speed.Valid {
		s.P50Speed = &p50Speed.Float64
	}
	if p85Speed.Valid {
		s.P85Speed = &p85Speed.Float64
	}
	if copiado.Valid {
		cs := CopyStatus(copiado.Int64)
		s.Copiado = &cs
	}
	return s, nil
}
