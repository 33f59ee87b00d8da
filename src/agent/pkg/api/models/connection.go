package models

import (
	"github.com/flowguard/flowguard/src/agent/pkg/conntrack"
)

// ConnectionListResponse represents tracked connections
type ConnectionListResponse struct {
	Connections []conntrack.Entry `json:"connections"`
	Count       int               `json:"count"`
	Total       int               `json:"total"`
}
