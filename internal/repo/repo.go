package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"skylane/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const operationColumns = `id,aircraft_id,state,time_start,time_end,bbox_json,last_telemetry_at,created_at,updated_at`

func scanOperation(scan func(dest ...any) error) (domain.FlightOperation, error) {
	var op domain.FlightOperation
	var bbox, lastTel sql.NullString
	err := scan(&op.ID, &op.AircraftID, &op.State, &op.TimeStart, &op.TimeEnd, &bbox, &lastTel, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if bbox.Valid {
		op.BBoxJSON = &bbox.String
	}
	if lastTel.Valid {
		op.LastTelemetryAt = &lastTel.String
	}
	return op, err
}

func (r Repo) InsertOperation(ctx context.Context, tx *sql.Tx, op domain.FlightOperation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO operations(`+operationColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		op.ID, op.AircraftID, op.State, op.TimeStart, op.TimeEnd, nullablePtr(op.BBoxJSON), nullablePtr(op.LastTelemetryAt), op.CreatedAt, op.UpdatedAt)
	return err
}

func (r Repo) GetOperation(ctx context.Context, id string) (domain.FlightOperation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=?`, id)
	return scanOperation(row.Scan)
}

func (r Repo) UpdateOperation(ctx context.Context, tx *sql.Tx, op domain.FlightOperation) error {
	res, err := tx.ExecContext(ctx, `UPDATE operations SET aircraft_id=?,state=?,time_start=?,time_end=?,bbox_json=?,last_telemetry_at=?,updated_at=? WHERE id=?`,
		op.AircraftID, op.State, op.TimeStart, op.TimeEnd, nullablePtr(op.BBoxJSON), nullablePtr(op.LastTelemetryAt), op.UpdatedAt, op.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (r Repo) DeleteOperation(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id=?`, id)
	return err
}

// ListOperations returns operations, optionally filtered to a set of states.
func (r Repo) ListOperations(ctx context.Context, states ...string) ([]domain.FlightOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (?` + repeat(",?", len(states)-1) + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FlightOperation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ActiveOperations returns operations holding a live authorization, the set
// self-deconfliction runs against.
func (r Repo) ActiveOperations(ctx context.Context) ([]domain.FlightOperation, error) {
	return r.ListOperations(ctx,
		domain.StateAccepted, domain.StateActivated,
		domain.StateNonconforming, domain.StateContingent)
}

// --- operational intent references ---

func (r Repo) UpsertIntentRef(ctx context.Context, tx *sql.Tx, ref domain.OperationalIntentReference) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO intent_refs(id,manager,state,version,ovn,time_start,time_end,uss_base_url,subscription_id)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET manager=excluded.manager,state=excluded.state,version=excluded.version,
			ovn=excluded.ovn,time_start=excluded.time_start,time_end=excluded.time_end,
			uss_base_url=excluded.uss_base_url,subscription_id=excluded.subscription_id`,
		ref.ID, ref.Manager, ref.State, ref.Version, nullable(ref.OVN), ref.TimeStart, ref.TimeEnd, ref.USSBaseURL, nullable(ref.SubscriptionID))
	return err
}

func (r Repo) GetIntentRef(ctx context.Context, id string) (domain.OperationalIntentReference, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,manager,state,version,COALESCE(ovn,''),time_start,time_end,uss_base_url,COALESCE(subscription_id,'') FROM intent_refs WHERE id=?`, id)
	var ref domain.OperationalIntentReference
	err := row.Scan(&ref.ID, &ref.Manager, &ref.State, &ref.Version, &ref.OVN, &ref.TimeStart, &ref.TimeEnd, &ref.USSBaseURL, &ref.SubscriptionID)
	if err == sql.ErrNoRows {
		return ref, ErrNotFound
	}
	return ref, err
}

func (r Repo) DeleteIntentRef(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM intent_refs WHERE id=?`, id)
	return err
}

// --- operational intent details ---

func (r Repo) UpsertIntentDetails(ctx context.Context, tx *sql.Tx, id string, d domain.OperationalIntentDetails) error {
	volumes, err := json.Marshal(d.Volumes)
	if err != nil {
		return fmt.Errorf("marshal volumes: %w", err)
	}
	var offNominal any
	if len(d.OffNominalVolumes) > 0 {
		data, err := json.Marshal(d.OffNominalVolumes)
		if err != nil {
			return fmt.Errorf("marshal off-nominal volumes: %w", err)
		}
		offNominal = string(data)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO intent_details(id,volumes_json,off_nominal_json,priority)
		VALUES (?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET volumes_json=excluded.volumes_json,off_nominal_json=excluded.off_nominal_json,priority=excluded.priority`,
		id, string(volumes), offNominal, d.Priority)
	return err
}

func (r Repo) GetIntentDetails(ctx context.Context, id string) (domain.OperationalIntentDetails, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT volumes_json,COALESCE(off_nominal_json,''),priority FROM intent_details WHERE id=?`, id)
	var d domain.OperationalIntentDetails
	var volumes, offNominal string
	err := row.Scan(&volumes, &offNominal, &d.Priority)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(volumes), &d.Volumes); err != nil {
		return d, fmt.Errorf("unmarshal volumes: %w", err)
	}
	if offNominal != "" {
		if err := json.Unmarshal([]byte(offNominal), &d.OffNominalVolumes); err != nil {
			return d, fmt.Errorf("unmarshal off-nominal volumes: %w", err)
		}
	}
	return d, nil
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, operationID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(operation_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if operationID != "" {
		query += ` WHERE operation_id=?`
		args = append(args, operationID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OperationID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
