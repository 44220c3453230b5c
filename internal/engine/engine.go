package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"nudge/internal/config"
	"nudge/internal/domain"
	"nudge/internal/events"
	"nudge/internal/repo"
)

// Engine owns the reminder lifecycle: batch computation over the roster and
// the completion state machine. Batch computations are pure reads; the
// reconciler serializes read-modify-write-persist sequences behind a single
// mutex so concurrent completion signals cannot interleave into a lost
// update. Notification dispatch happens outside the lock.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	// LinkFor renders a completion link for a record id, when the serving
	// surface is configured. Reminder bodies omit the link otherwise.
	LinkFor func(recordID string) string

	mu sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Payload is one rendered notification: every address of the record receives
// the same subject and body, and the whole payload counts as one notification
// for idempotency purposes.
type Payload struct {
	Record   domain.Record `json:"record"`
	Subject  string        `json:"subject"`
	BodyHTML string        `json:"body_html"`
}

// roster splits the full collection into the lifecycle population and the
// static distribution roles.
type roster struct {
	all       []domain.Record
	owners    []domain.Record
	pending   []domain.Record
	completed []domain.Record
}

func (e *Engine) loadRoster(ctx context.Context) (roster, error) {
	all, err := e.Repo.LoadRoster(ctx)
	if err != nil {
		return roster{}, fmt.Errorf("load roster: %w", err)
	}
	r := roster{all: all}
	for _, rec := range all {
		if !rec.IsOwner() {
			continue
		}
		r.owners = append(r.owners, rec)
		if rec.Status == domain.StatusComplete {
			r.completed = append(r.completed, rec)
		} else {
			r.pending = append(r.pending, rec)
		}
	}
	return r, nil
}

func (r roster) byRole(role string) []domain.Record {
	var res []domain.Record
	for _, rec := range r.all {
		if rec.Role == role {
			res = append(res, rec)
		}
	}
	return res
}

// needsReminder applies the eligibility invariant: pending, and either never
// updated or updated longer ago than the recency window. A very recent update
// is treated as handled even though the record is nominally still pending.
func needsReminder(rec domain.Record, now time.Time, window time.Duration) bool {
	if !rec.Pending() {
		return false
	}
	if rec.LastUpdated == nil {
		return true
	}
	updated, err := time.Parse(time.RFC3339, *rec.LastUpdated)
	if err != nil {
		return true
	}
	return now.Sub(updated) > window
}

// ComputeReminderBatch returns one payload per portfolio owner that still
// needs a nudge this cycle. Pure read: sending a reminder mutates nothing.
func (e *Engine) ComputeReminderBatch(ctx context.Context) ([]Payload, error) {
	r, err := e.loadRoster(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	window := e.Config.RecencyWindow()
	var batch []Payload
	for _, rec := range r.owners {
		if !needsReminder(rec, now, window) {
			continue
		}
		link := ""
		if e.LinkFor != nil {
			link = e.LinkFor(rec.ID)
		}
		batch = append(batch, Payload{
			Record:   rec,
			Subject:  reminderSubject(rec),
			BodyHTML: reminderBody(rec, link),
		})
	}
	return batch, nil
}

// ComputeChaseBatch returns one payload per chase-role record summarizing the
// pending list. Escalation only: with nothing pending the batch is empty no
// matter how many chase records exist.
func (e *Engine) ComputeChaseBatch(ctx context.Context) ([]Payload, error) {
	r, err := e.loadRoster(ctx)
	if err != nil {
		return nil, err
	}
	if len(r.pending) == 0 {
		return nil, nil
	}
	var batch []Payload
	for _, rec := range r.byRole(domain.RoleChase) {
		batch = append(batch, Payload{
			Record:   rec,
			Subject:  chaseSubject(len(r.pending), len(r.owners)),
			BodyHTML: chaseBody(r.pending, len(r.owners)),
		})
	}
	return batch, nil
}

// ComputeReviewBatch returns one payload per reviewer record. Review is a
// status report, not an escalation, so it goes out unconditionally.
func (e *Engine) ComputeReviewBatch(ctx context.Context) ([]Payload, error) {
	r, err := e.loadRoster(ctx)
	if err != nil {
		return nil, err
	}
	var batch []Payload
	for _, rec := range r.byRole(domain.RoleReviewer) {
		batch = append(batch, Payload{
			Record:   rec,
			Subject:  reviewSubject(len(r.completed), len(r.owners)),
			BodyHTML: reviewBody(r.completed, r.pending),
		})
	}
	return batch, nil
}

// ComputeFinalBatch returns at most one payload, to the single final-role
// record. A missing final record is a configuration gap, not an error: the
// batch becomes a logged no-op.
func (e *Engine) ComputeFinalBatch(ctx context.Context) ([]Payload, error) {
	r, err := e.loadRoster(ctx)
	if err != nil {
		return nil, err
	}
	finals := r.byRole(domain.RoleFinal)
	if len(finals) == 0 {
		log.Printf("engine: no final-role record in roster, skipping final batch")
		return nil, nil
	}
	rate := CompletionRate(len(r.completed), len(r.owners))
	return []Payload{{
		Record:   finals[0],
		Subject:  finalSubject(rate, len(r.completed), len(r.owners)),
		BodyHTML: finalBody(rate, r.completed, r.pending),
	}}, nil
}

// CompletionRate is round(100*completed/total), defined as 0 when the roster
// has no portfolio owners at all.
func CompletionRate(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int((float64(completed)/float64(total))*100 + 0.5)
}

// CompleteByID transitions one record pending -> complete from an explicit
// signal (web click or CLI). Re-completing an already complete record is a
// no-op success so repeated clicks never error or double-notify.
func (e *Engine) CompleteByID(ctx context.Context, id, actorID string) (domain.Record, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.Repo.GetRecord(ctx, id)
	if err != nil {
		return domain.Record{}, false, err
	}
	if !rec.IsOwner() {
		return rec, false, fmt.Errorf("record %s has role %s and no completion lifecycle", id, rec.Role)
	}
	if rec.Status == domain.StatusComplete {
		return rec, false, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	rec.Status = domain.StatusComplete
	rec.LastUpdated = &now
	rec.CompletedAt = &now
	via := domain.ViaManual
	rec.CompletedVia = &via
	if actorID != "" {
		by := actorID
		rec.CompletedBy = &by
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, false, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateStatusTx(ctx, tx, rec); err != nil {
		return domain.Record{}, false, err
	}
	if err := e.Events.Append(ctx, tx, "record.completed", "record", rec.ID, actorID, events.EventPayload{
		"via": domain.ViaManual, "owner": rec.Owner,
	}); err != nil {
		return domain.Record{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, false, err
	}
	return rec, true, nil
}

// matchesModifier is the deliberately loose name match for detected document
// edits: case-insensitive substring in either direction, with the owner label
// split on the separators used for shared ownership, so "Matt Jones" matches
// an owner recorded as "Matt/Shiju". Ambiguous modifiers can match several
// owners; see ReconcileExternalEdit.
func matchesModifier(owner, modifier string) bool {
	m := strings.ToLower(strings.TrimSpace(modifier))
	if m == "" {
		return false
	}
	for _, part := range strings.FieldsFunc(strings.ToLower(owner), func(r rune) bool {
		return r == '/' || r == ',' || r == '&' || r == '+'
	}) {
		part = strings.TrimSpace(part)
		// Very short fragments match everything; skip them.
		if len(part) < 3 {
			continue
		}
		if strings.Contains(part, m) || strings.Contains(m, part) {
			return true
		}
	}
	return false
}

// ReconcileExternalEdit marks every pending owner whose name matches the
// document modifier as complete, in one transaction. Marking all matches
// trades a possible false positive on name collisions for fewer missed
// completions. Returns the records that changed.
func (e *Engine) ReconcileExternalEdit(ctx context.Context, modifierName string, modifiedAt time.Time) ([]domain.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.loadRoster(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	modified := modifiedAt.UTC().Format(time.RFC3339)
	via := domain.ViaBox
	by := modifierName

	var changed []domain.Record
	for _, rec := range r.pending {
		if !matchesModifier(rec.Owner, modifierName) {
			continue
		}
		rec.Status = domain.StatusComplete
		rec.LastUpdated = &now
		rec.CompletedAt = &modified
		rec.CompletedBy = &by
		rec.CompletedVia = &via
		changed = append(changed, rec)
	}
	if len(changed) == 0 {
		return nil, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, rec := range changed {
		if err := e.Repo.UpdateStatusTx(ctx, tx, rec); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "record.completed", "record", rec.ID, modifierName, events.EventPayload{
			"via": domain.ViaBox, "owner": rec.Owner, "modified_at": modified,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return changed, nil
}

// BulkReset starts a new weekly cycle: every portfolio owner back to pending,
// last_updated and provenance cleared. All-or-nothing.
func (e *Engine) BulkReset(ctx context.Context, actorID string) (int64, error) {
	return e.reset(ctx, actorID, false)
}

// SoftReset flips status back to pending but keeps last_updated and
// provenance, for ad hoc testing against live data.
func (e *Engine) SoftReset(ctx context.Context, actorID string) (int64, error) {
	return e.reset(ctx, actorID, true)
}

func (e *Engine) reset(ctx context.Context, actorID string, soft bool) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.ResetOwnersTx(ctx, tx, soft)
	if err != nil {
		return 0, err
	}
	evtType := "roster.reset"
	if soft {
		evtType = "roster.soft_reset"
	}
	if err := e.Events.Append(ctx, tx, evtType, "roster", "", actorID, events.EventPayload{"records": n}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// RecordDispatch appends an audit event for a delivered (or failed) batch so
// the log carries who was told what, and when.
func (e *Engine) RecordDispatch(ctx context.Context, batch, recordID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "batch."+batch+".dispatched", "record", recordID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// IsNotFound reports whether err is the store's lookup-miss sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
