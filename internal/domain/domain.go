package domain

// Record is one tracked entry in the roster: either a portfolio owner with a
// weekly completion lifecycle, or a static distribution-list entry for one of
// the escalation roles.
type Record struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Owner        string   `json:"owner"`
	Emails       []string `json:"emails"`
	Role         string   `json:"role" enum:"portfolio_owner,chase,reviewer,final"`
	Status       string   `json:"status,omitempty" enum:"pending,complete"`
	Position     int      `json:"position"`
	LastUpdated  *string  `json:"last_updated,omitempty" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy  *string  `json:"completed_by,omitempty"`
	CompletedVia *string  `json:"completed_via,omitempty" enum:"manual,box"`
}

const (
	RolePortfolioOwner = "portfolio_owner"
	RoleChase          = "chase"
	RoleReviewer       = "reviewer"
	RoleFinal          = "final"
)

const (
	StatusPending  = "pending"
	StatusComplete = "complete"
)

const (
	ViaManual = "manual"
	ViaBox    = "box"
)

// IsOwner reports whether the record participates in the status lifecycle.
func (r Record) IsOwner() bool { return r.Role == RolePortfolioOwner }

// Pending reports whether the record is a portfolio owner still awaiting an
// update this cycle. Non-owner roles never count as pending.
func (r Record) Pending() bool { return r.IsOwner() && r.Status != StatusComplete }

// DocumentWatch is the change-detection fingerprint for the monitored
// document. It is not part of the roster.
type DocumentWatch struct {
	DocumentID     string  `json:"document_id"`
	LastCheckedAt  *string `json:"last_checked_at,omitempty" format:"date-time"`
	LastModifiedAt *string `json:"last_modified_at,omitempty" format:"date-time"`
	LastModifiedBy *string `json:"last_modified_by,omitempty"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
