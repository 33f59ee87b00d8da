package models

import (
	"github.com/flowguard/flowguard/src/agent/pkg/flowctx"
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
)

// EvaluateRequest represents one flow observation submitted for
// evaluation. App and identity context are optional; absent context
// matches only wildcard rules.
type EvaluateRequest struct {
	SrcIP     string `json:"src_ip" binding:"required"`
	DstIP     string `json:"dst_ip" binding:"required"`
	SrcPort   uint16 `json:"src_port"`
	DstPort   uint16 `json:"dst_port"`
	Protocol  string `json:"protocol" binding:"required"`
	Direction string `json:"direction"`

	App      *flowctx.AppContext      `json:"app,omitempty"`
	Identity *flowctx.IdentityContext `json:"identity,omitempty"`

	Bytes   uint64 `json:"bytes"`
	Packets uint64 `json:"packets"`
	Fin     bool   `json:"fin"`
	Rst     bool   `json:"rst"`
}

// EvaluateResponse represents the verdict for one observation
type EvaluateResponse struct {
	Decision rule.Decision `json:"decision"`
}
