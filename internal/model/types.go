package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a tenant's chat connection
type SessionStatus string

const (
	StatusDisconnected SessionStatus = "DISCONNECTED"
	StatusConnecting   SessionStatus = "CONNECTING"
	StatusQR           SessionStatus = "QR"
	StatusConnected    SessionStatus = "CONNECTED"
)

// MatchMode controls how a trigger phrase is compared against inbound text
type MatchMode string

const (
	MatchExact      MatchMode = "EXACT"
	MatchStartsWith MatchMode = "STARTS_WITH"
	MatchContains   MatchMode = "CONTAINS"
)

// Valid reports whether m is a known match mode
func (m MatchMode) Valid() bool {
	switch m {
	case MatchExact, MatchStartsWith, MatchContains:
		return true
	}
	return false
}

// Frequency controls how often a rule may fire for the same user
type Frequency string

const (
	FrequencyAlways Frequency = "ALWAYS"
	FrequencyOnce   Frequency = "ONCE"
)

// Valid reports whether f is a known frequency policy
func (f Frequency) Valid() bool {
	return f == FrequencyAlways || f == FrequencyOnce
}

// Tenant represents one independently operated bot account
type Tenant struct {
	ID        uuid.UUID
	Name      string
	Status    SessionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Rule represents an automation rule owned by a tenant
type Rule struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Triggers  []string
	Match     MatchMode
	Frequency Frequency
	Enabled   bool
	Steps     []Step
	CreatedAt time.Time
}

// RuleInput is the write shape of a rule. Steps always replace the stored sequence.
type RuleInput struct {
	Triggers  []string
	Match     MatchMode
	Frequency Frequency
	Enabled   bool
	Steps     []StepInput
}

// Interaction records that a user triggered a rule
type Interaction struct {
	ID        int64
	UserID    string
	RuleID    uuid.UUID
	CreatedAt time.Time
}
