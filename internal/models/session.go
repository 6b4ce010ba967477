package models

import "time"

type Session struct {
	ID          string                   `json:"id" yaml:"id"`
	Timestamp   time.Time                `json:"timestamp" yaml:"timestamp"`
	Prompt      string                   `json:"prompt" yaml:"prompt"`
	ContextID   string                   `json:"context_id,omitempty" yaml:"context_id,omitempty"`
	FinalStages map[StageName]StageState `json:"final_stages" yaml:"final_stages"`
	Log         []LogEntry               `json:"log" yaml:"log"`
	Artifacts   []Artifact               `json:"artifacts" yaml:"artifacts"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type ApprovalRequest struct {
	Content      string         `json:"content"`
	Status       ApprovalStatus `json:"status"`
	FinalContent string         `json:"final_content,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	RequestedAt  time.Time      `json:"requested_at"`
}
