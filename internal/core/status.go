package core

import "fmt"

// Status is a case's position in the review workflow.
type Status string

const (
	StatusDraft                    Status = "draft"
	StatusSubmitted                Status = "submitted"
	StatusResubmitted              Status = "resubmitted"
	StatusApplicantEditing         Status = "applicant_editing"
	StatusSupersededByExporterEdit Status = "superseded_by_exporter_edit"
	StatusInitialChecks            Status = "initial_checks"
	StatusUnderReview              Status = "under_review"
	StatusOGDAdvice                Status = "ogd_advice"
	StatusUnderFinalReview         Status = "under_final_review"
	StatusChangeUnderReview        Status = "change_under_review"
	StatusUnderAppeal              Status = "under_appeal"
	StatusReopenedForChanges       Status = "reopened_for_changes"
	StatusReopenedDueToOrgChanges  Status = "reopened_due_to_org_changes"
	StatusFinalised                Status = "finalised"
	StatusWithdrawn                Status = "withdrawn"
	StatusClosed                   Status = "closed"
	StatusSurrendered              Status = "surrendered"
	StatusRevoked                  Status = "revoked"
	StatusSuspended                Status = "suspended"
	StatusRegistered               Status = "registered"
	StatusDeregistered             Status = "deregistered"
)

// statusPriority is the display ordering of statuses, not the workflow order;
// lower sorts first in status pickers.
var statusPriority = map[Status]int{
	StatusSubmitted:                1,
	StatusApplicantEditing:         2,
	StatusResubmitted:              3,
	StatusInitialChecks:            4,
	StatusUnderReview:              5,
	StatusOGDAdvice:                6,
	StatusUnderFinalReview:         7,
	StatusFinalised:                8,
	StatusWithdrawn:                9,
	StatusClosed:                   10,
	StatusRegistered:               11,
	StatusUnderAppeal:              12,
	StatusReopenedForChanges:       13,
	StatusReopenedDueToOrgChanges:  14,
	StatusChangeUnderReview:        15,
	StatusSupersededByExporterEdit: 16,
	StatusRevoked:                  17,
	StatusSuspended:                18,
	StatusSurrendered:              19,
	StatusDeregistered:             20,
}

var terminalStatuses = map[Status]bool{
	StatusClosed:       true,
	StatusDeregistered: true,
	StatusFinalised:    true,
	StatusRegistered:   true,
	StatusRevoked:      true,
	StatusSurrendered:  true,
	StatusWithdrawn:    true,
}

var readOnlyStatuses = map[Status]bool{
	StatusChangeUnderReview:       true,
	StatusClosed:                  true,
	StatusDeregistered:            true,
	StatusFinalised:               true,
	StatusRegistered:              true,
	StatusReopenedDueToOrgChanges: true,
	StatusUnderFinalReview:        true,
	StatusOGDAdvice:               true,
	StatusRevoked:                 true,
	StatusSurrendered:             true,
	StatusSuspended:               true,
	StatusWithdrawn:               true,
}

// systemManagedStatuses cannot be requested through the generic status-change
// guard; they are set by internal workflows such as the exporter-edit flow.
var systemManagedStatuses = map[Status]bool{
	StatusApplicantEditing:         true,
	StatusSupersededByExporterEdit: true,
}

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := statusPriority[status]; ok {
		return status, nil
	}
	if status == StatusDraft {
		return status, nil
	}
	return "", fmt.Errorf("unknown case status %q", s)
}

// IsTerminal reports whether no further review action is expected from this
// status absent explicit reopening.
func (s Status) IsTerminal() bool { return terminalStatuses[s] }

// IsReadOnly reports whether record changes are blocked while a case holds
// this status.
func (s Status) IsReadOnly() bool { return readOnlyStatuses[s] }

// IsDraft reports whether the case has not yet been submitted.
func (s Status) IsDraft() bool { return s == StatusDraft }

// IsSystemManaged reports whether this status may only be set by internal
// workflows, never through the generic status-change guard.
func (s Status) IsSystemManaged() bool { return systemManagedStatuses[s] }

// Priority returns the display ordering rank for the status; unknown
// statuses sort last.
func (s Status) Priority() int {
	if p, ok := statusPriority[s]; ok {
		return p
	}
	return len(statusPriority) + 1
}

// TransitionRule identifies which guard rule rejected a transition, so the
// caller can render an actionable message rather than a generic failure.
type TransitionRule string

const (
	RuleFinalisePermission       TransitionRule = "finalising_permission"
	RuleSystemManagedStatus      TransitionRule = "system_managed_status"
	RuleTerminalReopenPermission TransitionRule = "terminal_reopen_permission"
)

// TransitionError is the rejection produced by ValidateTransition. It names
// the failed rule and the attempted transition; no mutation has occurred when
// it is returned.
type TransitionError struct {
	Rule    TransitionRule
	Current Status
	Target  Status
}

func (e *TransitionError) Error() string {
	switch e.Rule {
	case RuleFinalisePermission:
		return "only a finalising-team caseworker with the manage-final-advice permission may finalise a case"
	case RuleSystemManagedStatus:
		return fmt.Sprintf("status %q is system managed and cannot be set directly", e.Target)
	case RuleTerminalReopenPermission:
		return fmt.Sprintf("case is in terminal status %q and the actor may not reopen closed cases", e.Current)
	}
	return fmt.Sprintf("transition from %q to %q rejected", e.Current, e.Target)
}

// ValidateTransition decides whether actor may move a case from current to
// target. The checks run in a fixed order:
//
//  1. Finalising requires the manage-final-advice permission and membership
//     of the finalising team; an actor holding both may finalise from any
//     status, terminal ones included.
//  2. System-managed statuses are rejected unconditionally from this entry
//     point.
//  3. Leaving a terminal status requires the reopen-closed-cases permission.
//
// A nil return means the transition is permitted.
func ValidateTransition(actor Actor, current, target Status) error {
	if target == StatusFinalised {
		if !actor.HasPermission(PermissionManageFinalAdvice) || !actor.IsFinalisingTeam {
			return &TransitionError{Rule: RuleFinalisePermission, Current: current, Target: target}
		}
		return nil
	}

	if target.IsSystemManaged() {
		return &TransitionError{Rule: RuleSystemManagedStatus, Current: current, Target: target}
	}

	if current.IsTerminal() && !actor.HasPermission(PermissionReopenClosedCases) {
		return &TransitionError{Rule: RuleTerminalReopenPermission, Current: current, Target: target}
	}

	return nil
}
