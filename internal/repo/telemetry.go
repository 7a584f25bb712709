package repo

import (
	"context"
	"database/sql"

	"skylane/internal/domain"
)

// InsertTelemetry stores a telemetry report and advances the operation's
// last_telemetry_at in the same transaction.
func (r Repo) InsertTelemetry(ctx context.Context, tx *sql.Tx, t domain.Telemetry) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO telemetry(operation_id,aircraft_id,lng,lat,altitude_m,recorded_at) VALUES (?,?,?,?,?,?)`,
		t.OperationID, t.AircraftID, t.Lng, t.Lat, t.AltitudeM, t.RecordedAt); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE operations SET last_telemetry_at=? WHERE id=?`, t.RecordedAt, t.OperationID)
	return err
}

// LatestTelemetry returns the most recent report for an operation.
func (r Repo) LatestTelemetry(ctx context.Context, operationID string) (domain.Telemetry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,operation_id,aircraft_id,lng,lat,altitude_m,recorded_at FROM telemetry WHERE operation_id=? ORDER BY recorded_at DESC, id DESC LIMIT 1`, operationID)
	var t domain.Telemetry
	err := row.Scan(&t.ID, &t.OperationID, &t.AircraftID, &t.Lng, &t.Lat, &t.AltitudeM, &t.RecordedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ListTelemetry returns recent reports for an operation, newest first.
func (r Repo) ListTelemetry(ctx context.Context, operationID string, limit int) ([]domain.Telemetry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,operation_id,aircraft_id,lng,lat,altitude_m,recorded_at FROM telemetry WHERE operation_id=? ORDER BY recorded_at DESC, id DESC LIMIT ?`, operationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Telemetry
	for rows.Next() {
		var t domain.Telemetry
		if err := rows.Scan(&t.ID, &t.OperationID, &t.AircraftID, &t.Lng, &t.Lat, &t.AltitudeM, &t.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
