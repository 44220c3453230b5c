package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"nudge/internal/config"
	"nudge/internal/domain"
	"nudge/internal/engine"
	"nudge/internal/repo"
)

// Watcher detects edits to the monitored status document and feeds them to
// the reconciler. Two modes: "poll" asks a cloud revisions endpoint for the
// latest modifier, "file" watches a synced directory where each owner touches
// a file named after themselves.
type Watcher struct {
	Engine *engine.Engine
	Repo   repo.Repo
	Config *config.Config
	Client *http.Client
	Now    func() time.Time
}

func New(e *engine.Engine, cfg *config.Config) *Watcher {
	return &Watcher{
		Engine: e,
		Repo:   e.Repo,
		Config: cfg,
		Client: &http.Client{Timeout: 10 * time.Second},
		Now:    time.Now,
	}
}

// Run blocks until ctx is done. Mode "off" returns immediately.
func (w *Watcher) Run(ctx context.Context) error {
	switch w.Config.Watch.Mode {
	case "poll":
		return w.runPoll(ctx)
	case "file":
		return w.runFile(ctx)
	default:
		return nil
	}
}

// revision is the shape the cloud storage provider reports for the latest
// edit of the monitored document.
type revision struct {
	ModifiedBy string `json:"modified_by"`
	ModifiedAt string `json:"modified_at"`
}

func (w *Watcher) runPoll(ctx context.Context) error {
	interval := time.Duration(w.Config.Watch.PollSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.pollOnce(ctx); err != nil {
			log.Printf("watch: poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollOnce fetches the latest revision and reconciles when the modification
// timestamp has advanced past the stored fingerprint.
func (w *Watcher) pollOnce(ctx context.Context) error {
	rev, err := w.fetchRevision(ctx)
	if err != nil {
		return err
	}
	modifiedAt, err := time.Parse(time.RFC3339, rev.ModifiedAt)
	if err != nil {
		return fmt.Errorf("revision modified_at %q: %w", rev.ModifiedAt, err)
	}

	docID := w.Config.Watch.DocumentID
	prev, err := w.Repo.GetDocumentWatch(ctx, docID)
	if err != nil && !engine.IsNotFound(err) {
		return err
	}
	seen := prev.LastModifiedAt != nil && *prev.LastModifiedAt >= modifiedAt.UTC().Format(time.RFC3339)

	now := w.Now().UTC().Format(time.RFC3339)
	modified := modifiedAt.UTC().Format(time.RFC3339)
	next := domain.DocumentWatch{
		DocumentID:     docID,
		LastCheckedAt:  &now,
		LastModifiedAt: &modified,
		LastModifiedBy: &rev.ModifiedBy,
	}
	if err := w.Repo.UpsertDocumentWatch(ctx, next); err != nil {
		return err
	}
	if seen {
		return nil
	}

	changed, err := w.Engine.ReconcileExternalEdit(ctx, rev.ModifiedBy, modifiedAt)
	if err != nil {
		return err
	}
	for _, rec := range changed {
		log.Printf("watch: marked %s complete from document edit by %s", rec.Name, rev.ModifiedBy)
	}
	return nil
}

func (w *Watcher) fetchRevision(ctx context.Context) (revision, error) {
	var rev revision
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Config.Watch.RevisionsURL, nil)
	if err != nil {
		return rev, err
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return rev, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return rev, fmt.Errorf("revisions endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&rev); err != nil {
		return rev, fmt.Errorf("decode revision: %w", err)
	}
	if rev.ModifiedBy == "" || rev.ModifiedAt == "" {
		return rev, fmt.Errorf("revision missing modified_by or modified_at")
	}
	return rev, nil
}

func (w *Watcher) runFile(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	dir := w.Config.Watch.FilePath
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Printf("watch: watching %s for status file edits", dir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.handleFileEdit(ctx, ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch: fsnotify error: %v", err)
		}
	}
}

// handleFileEdit attributes a synced-directory write to an owner by
// filename: "matt-jones.md" edits reconcile as modifier "matt jones".
func (w *Watcher) handleFileEdit(ctx context.Context, path string) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	if strings.TrimSpace(name) == "" || strings.HasPrefix(base, ".") {
		return
	}
	now := w.Now()
	changed, err := w.Engine.ReconcileExternalEdit(ctx, name, now)
	if err != nil {
		log.Printf("watch: reconcile edit of %s failed: %v", base, err)
		return
	}
	nowStr := now.UTC().Format(time.RFC3339)
	_ = w.Repo.UpsertDocumentWatch(ctx, domain.DocumentWatch{
		DocumentID:     w.Config.Watch.DocumentID,
		LastCheckedAt:  &nowStr,
		LastModifiedAt: &nowStr,
		LastModifiedBy: &name,
	})
	for _, rec := range changed {
		log.Printf("watch: marked %s complete from edit of %s", rec.Name, base)
	}
}
