package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"nudge/internal/domain"
)

// RecordInput is one roster entry as provisioned externally (yaml file or
// import API). Lifecycle fields are never part of provisioning.
type RecordInput struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name" yaml:"name"`
	Owner  string   `json:"owner" yaml:"owner"`
	Emails []string `json:"emails" yaml:"emails"`
	Role   string   `json:"role" yaml:"role" enum:"portfolio_owner,chase,reviewer,final"`
}

// RosterFile models a roster.yml import file.
type RosterFile struct {
	Records []RecordInput `json:"records" yaml:"records"`
}

// BuildRoster validates and converts provisioning inputs into records.
// Missing ids are minted; duplicates are rejected because completion
// matching depends on id uniqueness.
func BuildRoster(inputs []RecordInput) ([]domain.Record, error) {
	seen := map[string]bool{}
	var records []domain.Record
	for i, in := range inputs {
		if strings.TrimSpace(in.Name) == "" {
			return nil, fmt.Errorf("record %d: name is required", i)
		}
		switch in.Role {
		case domain.RolePortfolioOwner, domain.RoleChase, domain.RoleReviewer, domain.RoleFinal:
		default:
			return nil, fmt.Errorf("record %d: invalid role %q", i, in.Role)
		}
		if len(in.Emails) == 0 {
			return nil, fmt.Errorf("record %d: at least one email is required", i)
		}
		id := in.ID
		if id == "" {
			id = uuid.New().String()
		}
		if seen[id] {
			return nil, fmt.Errorf("record %d: duplicate id %s", i, id)
		}
		seen[id] = true
		rec := domain.Record{
			ID:       id,
			Name:     in.Name,
			Owner:    in.Owner,
			Emails:   in.Emails,
			Role:     in.Role,
			Position: i,
		}
		if rec.IsOwner() {
			rec.Status = domain.StatusPending
		}
		records = append(records, rec)
	}
	return records, nil
}

// LoadRosterFile reads and validates a roster.yml.
func LoadRosterFile(path string) ([]domain.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file RosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid roster yaml: %w", err)
	}
	if len(file.Records) == 0 {
		return nil, fmt.Errorf("roster file %s has no records", path)
	}
	return BuildRoster(file.Records)
}
