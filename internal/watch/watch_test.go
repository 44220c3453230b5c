package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nudge/internal/config"
	"nudge/internal/db"
	"nudge/internal/domain"
	"nudge/internal/engine"
	"nudge/internal/migrate"
)

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Watch.DocumentID = "doc-1"
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC) }
	roster := []domain.Record{
		{ID: "acme", Name: "Acme Corp", Owner: "Matt/Shiju", Emails: []string{"matt@example.com"},
			Role: domain.RolePortfolioOwner, Status: domain.StatusPending},
		{ID: "globex", Name: "Globex", Owner: "Karl Weiss", Emails: []string{"karl@example.com"},
			Role: domain.RolePortfolioOwner, Status: domain.StatusPending},
	}
	if err := e.Repo.ReplaceRoster(context.Background(), roster); err != nil {
		t.Fatalf("seed roster: %v", err)
	}
	w := New(e, cfg)
	w.Now = e.Now
	return w
}

func TestPollOnceReconciles(t *testing.T) {
	w := newTestWatcher(t)
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		json.NewEncoder(rw).Encode(revision{
			ModifiedBy: "Matt Jones",
			ModifiedAt: "2024-01-08T08:30:00Z",
		})
	}))
	defer srv.Close()
	w.Config.Watch.RevisionsURL = srv.URL

	ctx := context.Background()
	if err := w.pollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	rec, err := w.Repo.GetRecord(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.StatusComplete {
		t.Fatalf("edit not reconciled, status %s", rec.Status)
	}
	if rec.CompletedVia == nil || *rec.CompletedVia != domain.ViaBox {
		t.Fatalf("expected box provenance, got %v", rec.CompletedVia)
	}
	other, _ := w.Repo.GetRecord(ctx, "globex")
	if other.Status != domain.StatusPending {
		t.Fatalf("unrelated record transitioned")
	}

	// Same revision again: fingerprint unchanged, no re-reconcile.
	fp, err := w.Repo.GetDocumentWatch(ctx, "doc-1")
	if err != nil {
		t.Fatalf("fingerprint missing: %v", err)
	}
	if fp.LastModifiedBy == nil || *fp.LastModifiedBy != "Matt Jones" {
		t.Fatalf("fingerprint modifier %v", fp.LastModifiedBy)
	}
	if err := w.pollOnce(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 endpoint calls, got %d", calls.Load())
	}
}

func TestPollOnceBadRevision(t *testing.T) {
	w := newTestWatcher(t)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Write([]byte(`{"modified_by":""}`))
	}))
	defer srv.Close()
	w.Config.Watch.RevisionsURL = srv.URL
	if err := w.pollOnce(context.Background()); err == nil {
		t.Fatalf("incomplete revision must error")
	}
}

func TestPollOnceEndpointFailure(t *testing.T) {
	w := newTestWatcher(t)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		http.Error(rw, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	w.Config.Watch.RevisionsURL = srv.URL
	if err := w.pollOnce(context.Background()); err == nil {
		t.Fatalf("gateway error must surface")
	}
}

func TestHandleFileEdit(t *testing.T) {
	w := newTestWatcher(t)
	ctx := context.Background()

	w.handleFileEdit(ctx, "/sync/status/karl-weiss.md")
	rec, err := w.Repo.GetRecord(ctx, "globex")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.StatusComplete {
		t.Fatalf("file edit not attributed, status %s", rec.Status)
	}
	if rec.CompletedBy == nil || *rec.CompletedBy != "karl weiss" {
		t.Fatalf("modifier %v", rec.CompletedBy)
	}

	// Dotfiles from the sync client are ignored.
	w.handleFileEdit(ctx, "/sync/status/.matt-jones.md.swp")
	other, _ := w.Repo.GetRecord(ctx, "acme")
	if other.Status != domain.StatusPending {
		t.Fatalf("dotfile edit should be ignored")
	}
}
