package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"nudge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const recordCols = `id,name,owner,emails_json,role,COALESCE(status,'') AS status,position,last_updated,completed_at,completed_by,completed_via`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.Record, error) {
	var (
		rec    domain.Record
		emails string
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Owner, &emails, &rec.Role, &rec.Status, &rec.Position,
		&rec.LastUpdated, &rec.CompletedAt, &rec.CompletedBy, &rec.CompletedVia)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(emails), &rec.Emails); err != nil {
		return rec, fmt.Errorf("record %s emails: %w", rec.ID, err)
	}
	return rec, nil
}

// LoadRoster returns the full roster in stable position order.
func (r Repo) LoadRoster(ctx context.Context) ([]domain.Record, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recordCols+` FROM records ORDER BY position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roster []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		roster = append(roster, rec)
	}
	return roster, rows.Err()
}

func (r Repo) GetRecord(ctx context.Context, id string) (domain.Record, error) {
	return scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordCols+` FROM records WHERE id=?`, id))
}

// ListByRole returns roster entries for one role in position order.
func (r Repo) ListByRole(ctx context.Context, role string) ([]domain.Record, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recordCols+` FROM records WHERE role=? ORDER BY position, id`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ReplaceRoster swaps the whole roster in one transaction. Roster provisioning
// is external config; the engine itself never creates or deletes records.
func (r Repo) ReplaceRoster(ctx context.Context, roster []domain.Record) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clear roster: %w", err)
	}
	for i, rec := range roster {
		rec.Position = i
		if err := insertRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	emails, err := json.Marshal(rec.Emails)
	if err != nil {
		return err
	}
	var status any
	if rec.IsOwner() {
		if rec.Status == "" {
			rec.Status = domain.StatusPending
		}
		status = rec.Status
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO records(id,name,owner,emails_json,role,status,position,last_updated,completed_at,completed_by,completed_via)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Name, rec.Owner, string(emails), rec.Role, status, rec.Position,
		rec.LastUpdated, rec.CompletedAt, rec.CompletedBy, rec.CompletedVia)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateStatusTx writes a record's lifecycle fields inside the caller's
// transaction. Identity fields are never touched here.
func (r Repo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	res, err := tx.ExecContext(ctx, `UPDATE records SET status=?, last_updated=?, completed_at=?, completed_by=?, completed_via=? WHERE id=?`,
		rec.Status, rec.LastUpdated, rec.CompletedAt, rec.CompletedBy, rec.CompletedVia, rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetOwnersTx reverts every portfolio_owner to pending in one statement so
// the reset is all-or-nothing. A soft reset leaves last_updated and
// provenance in place for later inspection.
func (r Repo) ResetOwnersTx(ctx context.Context, tx *sql.Tx, soft bool) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if soft {
		res, err = tx.ExecContext(ctx, `UPDATE records SET status=? WHERE role=?`,
			domain.StatusPending, domain.RolePortfolioOwner)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE records SET status=?, last_updated=NULL, completed_at=NULL, completed_by=NULL, completed_via=NULL WHERE role=?`,
			domain.StatusPending, domain.RolePortfolioOwner)
	}
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetDocumentWatch returns the monitored-document fingerprint.
func (r Repo) GetDocumentWatch(ctx context.Context, documentID string) (domain.DocumentWatch, error) {
	var w domain.DocumentWatch
	err := r.DB.QueryRowContext(ctx, `SELECT document_id,last_checked_at,last_modified_at,last_modified_by FROM document_watch WHERE document_id=?`, documentID).
		Scan(&w.DocumentID, &w.LastCheckedAt, &w.LastModifiedAt, &w.LastModifiedBy)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

// UpsertDocumentWatch stores the latest fingerprint for the document.
func (r Repo) UpsertDocumentWatch(ctx context.Context, w domain.DocumentWatch) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO document_watch(document_id,last_checked_at,last_modified_at,last_modified_by) VALUES (?,?,?,?)
ON CONFLICT(document_id) DO UPDATE SET last_checked_at=excluded.last_checked_at, last_modified_at=excluded.last_modified_at, last_modified_by=excluded.last_modified_by`,
		w.DocumentID, w.LastCheckedAt, w.LastModifiedAt, w.LastModifiedBy)
	return err
}

// EventsAfter returns up to limit audit events with id greater than after.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
