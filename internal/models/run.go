package models

import (
	"strings"
	"time"
)

type StageName string

const (
	StageTriage       StageName = "triage"
	StageResearch     StageName = "research"
	StageReview       StageName = "review"
	StagePresentation StageName = "presentation"
)

// Stages lists every stage in dependency order for the research route.
var Stages = []StageName{StageTriage, StageResearch, StageReview, StagePresentation}

func (s StageName) Valid() bool {
	switch s {
	case StageTriage, StageResearch, StageReview, StagePresentation:
		return true
	}
	return false
}

// Label is the display name, e.g. "Research".
func (s StageName) Label() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

type StageState string

const (
	StageQueued        StageState = "queued"
	StageWorking       StageState = "working"
	StageAwaitingInput StageState = "awaiting_input"
	StageCompleted     StageState = "completed"
	StageFailed        StageState = "failed"
	StageSkipped       StageState = "skipped"
)

func (s StageState) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

// CanTransition reports whether a stage may move from s to next. Writing the
// current state again is always allowed so status updates stay idempotent.
func (s StageState) CanTransition(next StageState) bool {
	if s == next {
		return true
	}
	switch s {
	case StageQueued:
		return next == StageWorking || next == StageSkipped || next == StageAwaitingInput
	case StageWorking:
		return next == StageCompleted || next == StageFailed || next == StageAwaitingInput
	case StageAwaitingInput:
		return next == StageWorking || next == StageFailed
	}
	return false
}

// CanTransition narrows the state machine to what stage may do: only research
// and review can be skipped, and only presentation waits for approval.
// Presentation enters AwaitingInput from Queued, before it is submitted.
func (s StageName) CanTransition(from, to StageState) bool {
	if from == to {
		return true
	}
	switch to {
	case StageSkipped:
		if s != StageResearch && s != StageReview {
			return false
		}
	case StageAwaitingInput:
		if s != StagePresentation {
			return false
		}
	}
	return from.CanTransition(to)
}

type LogEntry struct {
	Time        time.Time `json:"time" yaml:"time"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description" yaml:"description,omitempty"`
}

// Run is a read-only projection of the live run. The orchestrator owns the
// mutable original; observers only ever see copies.
type Run struct {
	Prompt    string                   `json:"prompt"`
	ContextID string                   `json:"context_id"`
	Stages    map[StageName]StageState `json:"stages"`
	Log       []LogEntry               `json:"log"`
	Artifacts []Artifact               `json:"artifacts"`
	Active    bool                     `json:"active"`
	Approval  *ApprovalRequest         `json:"approval,omitempty"`
}

func NewStageMap() map[StageName]StageState {
	m := make(map[StageName]StageState, len(Stages))
	for _, s := range Stages {
		m[s] = StageQueued
	}
	return m
}
