package models

import (
	"github.com/flowguard/flowguard/src/agent/pkg/audit"
)

// AuditListResponse represents queried audit events, newest first
type AuditListResponse struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}
