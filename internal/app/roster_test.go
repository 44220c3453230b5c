package app

import (
	"os"
	"path/filepath"
	"testing"

	"nudge/internal/domain"
)

func TestBuildRoster(t *testing.T) {
	records, err := BuildRoster([]RecordInput{
		{Name: "Acme Corp", Owner: "Matt/Shiju", Emails: []string{"matt@example.com"}, Role: domain.RolePortfolioOwner},
		{ID: "boss", Name: "Boss", Owner: "Boss", Emails: []string{"boss@example.com"}, Role: domain.RoleFinal},
	})
	if err != nil {
		t.Fatalf("build roster: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0].ID == "" {
		t.Fatalf("missing id should be minted")
	}
	if records[0].Status != domain.StatusPending {
		t.Fatalf("owner should start pending, got %q", records[0].Status)
	}
	if records[1].Status != "" {
		t.Fatalf("non-owner should carry no status, got %q", records[1].Status)
	}
	if records[1].Position != 1 {
		t.Fatalf("positions should follow input order")
	}
}

func TestBuildRosterRejections(t *testing.T) {
	cases := []struct {
		name  string
		input []RecordInput
	}{
		{"missing name", []RecordInput{
			{Owner: "X", Emails: []string{"x@example.com"}, Role: domain.RolePortfolioOwner},
		}},
		{"bad role", []RecordInput{
			{Name: "X", Owner: "X", Emails: []string{"x@example.com"}, Role: "manager"},
		}},
		{"no emails", []RecordInput{
			{Name: "X", Owner: "X", Role: domain.RolePortfolioOwner},
		}},
		{"duplicate id", []RecordInput{
			{ID: "a", Name: "X", Owner: "X", Emails: []string{"x@example.com"}, Role: domain.RolePortfolioOwner},
			{ID: "a", Name: "Y", Owner: "Y", Emails: []string{"y@example.com"}, Role: domain.RolePortfolioOwner},
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := BuildRoster(c.input); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadRosterFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yml")
	yml := `
records:
  - name: Acme Corp
    owner: Matt/Shiju
    emails: [matt@example.com, shiju@example.com]
    role: portfolio_owner
  - name: Coordinator
    owner: Coordinator
    emails: [coord@example.com]
    role: chase
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	records, err := LoadRosterFile(path)
	if err != nil {
		t.Fatalf("load roster file: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if len(records[0].Emails) != 2 {
		t.Fatalf("emails not parsed: %v", records[0].Emails)
	}

	if _, err := LoadRosterFile(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatalf("missing file must error")
	}
	empty := filepath.Join(dir, "empty.yml")
	os.WriteFile(empty, []byte("records: []\n"), 0o644)
	if _, err := LoadRosterFile(empty); err == nil {
		t.Fatalf("empty roster must error")
	}
}
