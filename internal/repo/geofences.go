package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"skylane/internal/domain"
)

func (r Repo) UpsertGeofence(ctx context.Context, tx *sql.Tx, g domain.Geofence) error {
	geometry, err := json.Marshal(g.Geometry)
	if err != nil {
		return fmt.Errorf("marshal geofence geometry: %w", err)
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO geofences(id,name,ovn,geometry_json,source,created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name,ovn=excluded.ovn,geometry_json=excluded.geometry_json,source=excluded.source`,
		g.ID, nullable(g.Name), nullable(g.OVN), string(geometry), g.Source, g.CreatedAt)
	return err
}

func scanGeofence(scan func(dest ...any) error) (domain.Geofence, error) {
	var g domain.Geofence
	var geometry string
	err := scan(&g.ID, &g.Name, &g.OVN, &geometry, &g.Source, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal([]byte(geometry), &g.Geometry); err != nil {
		return g, fmt.Errorf("unmarshal geofence geometry: %w", err)
	}
	return g, nil
}

func (r Repo) GetGeofence(ctx context.Context, id string) (domain.Geofence, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(name,''),COALESCE(ovn,''),geometry_json,source,created_at FROM geofences WHERE id=?`, id)
	return scanGeofence(row.Scan)
}

func (r Repo) ListGeofences(ctx context.Context) ([]domain.Geofence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),COALESCE(ovn,''),geometry_json,source,created_at FROM geofences ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Geofence
	for rows.Next() {
		g, err := scanGeofence(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r Repo) DeleteGeofence(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM geofences WHERE id=?`, id)
	return err
}

// --- remote intent snapshots (peer notifications) ---

func (r Repo) UpsertRemoteIntent(ctx context.Context, ri domain.RemoteIntent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO remote_intents(id,manager,state,ovn,uss_base_url,payload_json,received_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET manager=excluded.manager,state=excluded.state,ovn=excluded.ovn,
			uss_base_url=excluded.uss_base_url,payload_json=excluded.payload_json,received_at=excluded.received_at`,
		ri.ID, ri.Manager, ri.State, nullable(ri.OVN), ri.USSBaseURL, ri.Payload, ri.ReceivedAt)
	return err
}

func (r Repo) GetRemoteIntent(ctx context.Context, id string) (domain.RemoteIntent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,manager,state,COALESCE(ovn,''),uss_base_url,payload_json,received_at FROM remote_intents WHERE id=?`, id)
	var ri domain.RemoteIntent
	err := row.Scan(&ri.ID, &ri.Manager, &ri.State, &ri.OVN, &ri.USSBaseURL, &ri.Payload, &ri.ReceivedAt)
	if err == sql.ErrNoRows {
		return ri, ErrNotFound
	}
	return ri, err
}

func (r Repo) DeleteRemoteIntent(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM remote_intents WHERE id=?`, id)
	return err
}
