package server

import (
	"nudge/internal/app"
	"nudge/internal/domain"
	"nudge/internal/notify"
)

// Request payloads

type RosterImportRequest struct {
	Records []app.RecordInput `json:"records"`
}

// Response payloads

type RosterResponse struct {
	Records   []domain.Record `json:"records"`
	Total     int             `json:"total"`
	Owners    int             `json:"owners"`
	Pending   int             `json:"pending"`
	Completed int             `json:"completed"`
}

type PayloadResponse struct {
	RecordID string   `json:"record_id"`
	Owner    string   `json:"owner"`
	Name     string   `json:"name"`
	Emails   []string `json:"emails"`
	Subject  string   `json:"subject"`
	BodyHTML string   `json:"body_html"`
}

type BatchPreviewResponse struct {
	Kind     string            `json:"kind"`
	Payloads []PayloadResponse `json:"payloads"`
}

type BatchSendResponse struct {
	Kind       string            `json:"kind"`
	Payloads   int               `json:"payloads"`
	Deliveries []notify.Delivery `json:"deliveries,omitempty"`
	Failed     int               `json:"failed"`
}

type ResetResponse struct {
	Records int64  `json:"records"`
	Mode    string `json:"mode" enum:"full,soft"`
}

type CompleteResponse struct {
	Record  domain.Record `json:"record"`
	Changed bool          `json:"changed"`
}
