package agent

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusConfigured     Status = "configured"
	StatusActive         Status = "active"
	StatusSuspended      Status = "suspended"
	StatusDecommissioned Status = "decommissioned"
)

// IsTerminal reports whether no further events may be applied.
func (s Status) IsTerminal() bool { return s == StatusDecommissioned }

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusConfigured, StatusActive, StatusSuspended, StatusDecommissioned:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown agent status %q", s)
	}
	return st, nil
}
