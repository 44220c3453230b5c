package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"nudge/internal/app"
	"nudge/internal/config"
	"nudge/internal/db"
	"nudge/internal/domain"
	"nudge/internal/engine"
	"nudge/internal/migrate"
	"nudge/internal/notify"
	"nudge/internal/scheduler"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	Links  LinkSigner
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, secret string) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC) }
	runner := scheduler.New(e, notify.LogDispatcher{}, cfg)
	links := LinkSigner{Secret: secret, TTL: time.Hour, Now: e.Now}
	handler, err := New(Config{Engine: e, Runner: runner, BasePath: "/v0", Links: links})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Links:  links,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func importRoster(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/roster", map[string]any{
		"records": []app.RecordInput{
			{Name: "Acme Corp", Owner: "Matt/Shiju", Emails: []string{"matt@example.com", "shiju@example.com"}, Role: domain.RolePortfolioOwner},
			{Name: "Globex", Owner: "Karl Weiss", Emails: []string{"karl@example.com"}, Role: domain.RolePortfolioOwner},
			{Name: "Coordinator", Owner: "Coordinator", Emails: []string{"coord@example.com"}, Role: domain.RoleChase},
			{Name: "Boss", Owner: "Boss", Emails: []string{"boss@example.com"}, Role: domain.RoleFinal},
		},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import roster: %d %s", res.StatusCode, string(data))
	}
}

func TestRosterImportAndCounts(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	importRoster(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/roster", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list roster: %d %s", res.StatusCode, string(data))
	}
	var roster RosterResponse
	if err := json.Unmarshal(data, &roster); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if roster.Total != 4 || roster.Owners != 2 || roster.Pending != 2 || roster.Completed != 0 {
		t.Fatalf("unexpected counts: %+v", roster)
	}
}

func TestCompleteEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	importRoster(t, srv)

	roster, err := srv.Engine.Repo.LoadRoster(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var ownerID, chaseID string
	for _, rec := range roster {
		switch rec.Role {
		case domain.RolePortfolioOwner:
			if ownerID == "" {
				ownerID = rec.ID
			}
		case domain.RoleChase:
			chaseID = rec.ID
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/roster/"+ownerID+"/complete", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var cr CompleteResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !cr.Changed || cr.Record.Status != domain.StatusComplete {
		t.Fatalf("expected changed complete record, got %+v", cr)
	}

	// Second completion is a 200 no-op.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/roster/"+ownerID+"/complete", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("repeat complete: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &cr)
	if cr.Changed {
		t.Fatalf("repeat completion should not report a change")
	}

	// Non-owner roles have no lifecycle.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/roster/"+chaseID+"/complete", nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for chase record, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/roster/nope/complete", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestBatchPreviewAndSend(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	importRoster(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/reminder/preview", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview: %d %s", res.StatusCode, string(data))
	}
	var preview BatchPreviewResponse
	if err := json.Unmarshal(data, &preview); err != nil {
		t.Fatalf("unmarshal preview: %v", err)
	}
	if len(preview.Payloads) != 2 {
		t.Fatalf("expected 2 reminder payloads, got %d", len(preview.Payloads))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/chase/send", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("send: %d %s", res.StatusCode, string(data))
	}
	var sent BatchSendResponse
	if err := json.Unmarshal(data, &sent); err != nil {
		t.Fatalf("unmarshal send: %v", err)
	}
	if sent.Payloads != 1 || sent.Failed != 0 {
		t.Fatalf("unexpected chase send result: %+v", sent)
	}

	// Unknown kinds are rejected before reaching the engine.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/bogus/send", nil)
	if res.StatusCode != http.StatusUnprocessableEntity && res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected rejection for bogus kind, got %d %s", res.StatusCode, string(data))
	}
}

func TestResetEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	importRoster(t, srv)

	roster, _ := srv.Engine.Repo.LoadRoster(context.Background())
	for _, rec := range roster {
		if rec.IsOwner() {
			if _, _, err := srv.Engine.CompleteByID(context.Background(), rec.ID, "tester"); err != nil {
				t.Fatal(err)
			}
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reset", map[string]any{"mode": "full"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reset: %d %s", res.StatusCode, string(data))
	}
	var rr ResetResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		t.Fatalf("unmarshal reset: %v", err)
	}
	if rr.Records != 2 || rr.Mode != "full" {
		t.Fatalf("unexpected reset response: %+v", rr)
	}
}

func TestCompleteClickWithToken(t *testing.T) {
	srv, cleanup := newTestServer(t, "test-secret")
	defer cleanup()
	importRoster(t, srv)

	roster, _ := srv.Engine.Repo.LoadRoster(context.Background())
	var ownerID string
	for _, rec := range roster {
		if rec.IsOwner() {
			ownerID = rec.ID
			break
		}
	}

	links := srv.Links
	links.BaseURL = srv.URL
	res, err := srv.Client().Get(links.LinkFor(ownerID))
	if err != nil {
		t.Fatalf("click link: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid link should complete, got %d", res.StatusCode)
	}
	rec, err := srv.Engine.Repo.GetRecord(context.Background(), ownerID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.StatusComplete {
		t.Fatalf("record not completed by link click: %s", rec.Status)
	}
	if rec.CompletedBy == nil || *rec.CompletedBy != "web-click" {
		t.Fatalf("expected web-click actor, got %v", rec.CompletedBy)
	}

	// A token minted for one record must not complete another.
	var otherID string
	for _, r := range roster {
		if r.IsOwner() && r.ID != ownerID {
			otherID = r.ID
		}
	}
	badURL := srv.URL + "/complete/" + otherID + "?token=" + tokenFromLink(t, links.LinkFor(ownerID))
	res2, err := srv.Client().Get(badURL)
	if err != nil {
		t.Fatal(err)
	}
	res2.Body.Close()
	if res2.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-record token should be rejected, got %d", res2.StatusCode)
	}

	// Missing token on a secured server is rejected too.
	res3, err := srv.Client().Get(srv.URL + "/complete/" + otherID)
	if err != nil {
		t.Fatal(err)
	}
	res3.Body.Close()
	if res3.StatusCode != http.StatusForbidden {
		t.Fatalf("missing token should be rejected, got %d", res3.StatusCode)
	}
}

func tokenFromLink(t *testing.T, link string) string {
	t.Helper()
	i := bytes.IndexByte([]byte(link), '=')
	if i < 0 {
		t.Fatalf("link %q carries no token", link)
	}
	return link[i+1:]
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	importRoster(t, srv)

	roster, _ := srv.Engine.Repo.LoadRoster(context.Background())
	for _, rec := range roster {
		if rec.IsOwner() {
			if _, _, err := srv.Engine.CompleteByID(context.Background(), rec.ID, "tester"); err != nil {
				t.Fatal(err)
			}
			break
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var evts []domain.Event
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) == 0 {
		t.Fatalf("expected at least one audit event")
	}
	found := false
	for _, e := range evts {
		if e.Type == "record.completed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("record.completed missing from %v", evts)
	}
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}

	res2, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res2.StatusCode)
	}
	body, _ := io.ReadAll(res2.Body)
	var spec map[string]any
	if err := json.Unmarshal(body, &spec); err != nil {
		t.Fatalf("openapi is not valid json: %v", err)
	}
}
