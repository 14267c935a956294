package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository persists registry snapshots and the home directory.
type Repository interface {
	// SaveSnapshot replaces the cached snapshot for snap.HomeID.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the cached snapshot for homeID.
	// Returns ErrSnapshotNotFound if none is cached.
	LoadSnapshot(ctx context.Context, homeID string) (*Snapshot, error)

	// DeleteSnapshot removes the cached snapshot for homeID.
	DeleteSnapshot(ctx context.Context, homeID string) error

	// SaveHomes replaces the cached home directory.
	SaveHomes(ctx context.Context, homes []Home) error

	// ListHomes returns the cached home directory ordered by name.
	ListHomes(ctx context.Context) ([]Home, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveSnapshot replaces the cached snapshot for snap.HomeID in one transaction.
func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM home_snapshots WHERE home_id = ?`, snap.HomeID); err != nil {
		return fmt.Errorf("clearing snapshot: %w", err)
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO home_snapshots (home_id, saved_at) VALUES (?, ?)`,
		snap.HomeID, savedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	for i, d := range snap.Devices {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_devices (home_id, device_id, position, name, mac, online, room_id, room_name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.HomeID, d.ID, i, d.Name, d.MAC, d.Online, d.RoomID, d.RoomName,
		); err != nil {
			return fmt.Errorf("inserting device %s: %w", d.ID, err)
		}

		for j, e := range d.Entities {
			var value sql.NullString
			if v, ok := snap.Values[e.ID]; ok && !v.IsZero() {
				data, err := json.Marshal(v)
				if err != nil {
					return fmt.Errorf("encoding value for %s: %w", e.ID, err)
				}
				value = sql.NullString{String: string(data), Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO snapshot_entities
					(home_id, device_id, entity_id, position, kind, name, unit,
					 min_value, max_value, step_value, class, value)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				snap.HomeID, d.ID, e.ID, j, string(e.Kind), e.Name, e.Unit,
				nullFloat(e.Min), nullFloat(e.Max), nullFloat(e.Step), string(e.Class), value,
			); err != nil {
				return fmt.Errorf("inserting entity %s: %w", e.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached snapshot for homeID.
func (r *SQLiteRepository) LoadSnapshot(ctx context.Context, homeID string) (*Snapshot, error) {
	var savedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT saved_at FROM home_snapshots WHERE home_id = ?`, homeID,
	).Scan(&savedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	snap := &Snapshot{HomeID: homeID, Values: make(map[string]Value)}
	snap.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt) //nolint:errcheck // Format is controlled

	devices, index, err := r.loadDevices(ctx, homeID)
	if err != nil {
		return nil, err
	}
	if err := r.loadEntities(ctx, homeID, devices, index, snap.Values); err != nil {
		return nil, err
	}
	snap.Devices = devices
	return snap, nil
}

func (r *SQLiteRepository) loadDevices(ctx context.Context, homeID string) ([]Device, map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, name, mac, online, room_id, room_name
		FROM snapshot_devices
		WHERE home_id = ?
		ORDER BY position`, homeID)
	if err != nil {
		return nil, nil, fmt.Errorf("querying snapshot devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	index := make(map[string]int)
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Name, &d.MAC, &d.Online, &d.RoomID, &d.RoomName); err != nil {
			return nil, nil, fmt.Errorf("scanning snapshot device: %w", err)
		}
		index[d.ID] = len(devices)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating snapshot devices: %w", err)
	}
	return devices, index, nil
}

func (r *SQLiteRepository) loadEntities(ctx context.Context, homeID string, devices []Device, index map[string]int, values map[string]Value) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, entity_id, kind, name, unit, min_value, max_value, step_value, class, value
		FROM snapshot_entities
		WHERE home_id = ?
		ORDER BY device_id, position`, homeID)
	if err != nil {
		return fmt.Errorf("querying snapshot entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			deviceID       string
			e              Entity
			kind, class    string
			minV, maxV, st sql.NullFloat64
			value          sql.NullString
		)
		if err := rows.Scan(&deviceID, &e.ID, &kind, &e.Name, &e.Unit, &minV, &maxV, &st, &class, &value); err != nil {
			return fmt.Errorf("scanning snapshot entity: %w", err)
		}
		e.Kind = Kind(kind)
		e.Class = Class(class)
		e.Min = floatPtr(minV)
		e.Max = floatPtr(maxV)
		e.Step = floatPtr(st)

		i, ok := index[deviceID]
		if !ok {
			continue
		}
		devices[i].Entities = append(devices[i].Entities, e)

		if value.Valid {
			var v Value
			if err := json.Unmarshal([]byte(value.String), &v); err != nil {
				return fmt.Errorf("decoding value for %s: %w", e.ID, err)
			}
			values[e.ID] = v
		}
	}
	return rows.Err()
}

// DeleteSnapshot removes the cached snapshot for homeID.
func (r *SQLiteRepository) DeleteSnapshot(ctx context.Context, homeID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM home_snapshots WHERE home_id = ?`, homeID); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// SaveHomes replaces the cached home directory.
func (r *SQLiteRepository) SaveHomes(ctx context.Context, homes []Home) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM homes`); err != nil {
		return fmt.Errorf("clearing homes: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, h := range homes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO homes (id, name, role, updated_at) VALUES (?, ?, ?, ?)`,
			h.ID, h.Name, h.Role, now,
		); err != nil {
			return fmt.Errorf("inserting home %s: %w", h.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing homes: %w", err)
	}
	return nil
}

// ListHomes returns the cached home directory ordered by name.
func (r *SQLiteRepository) ListHomes(ctx context.Context) ([]Home, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, role FROM homes ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying homes: %w", err)
	}
	defer rows.Close()

	var homes []Home
	for rows.Next() {
		var h Home
		if err := rows.Scan(&h.ID, &h.Name, &h.Role); err != nil {
			return nil, fmt.Errorf("scanning home: %w", err)
		}
		homes = append(homes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating homes: %w", err)
	}
	return homes, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
