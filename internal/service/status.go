package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/exportarc/caseflow/internal/core"
	"github.com/exportarc/caseflow/internal/repository"
)

// statusChangePayload is the audit record for a status transition.
type statusChangePayload struct {
	From core.Status `json:"from"`
	To   core.Status `json:"to"`
	Note string      `json:"note,omitempty"`
}

// ChangeStatus moves a case to a new status after running the transition
// guard. The optional note travels with the audit entry. On success the
// audit entry is written first and rules are then re-applied under the new
// status, so the trail always shows the transition before any flags it
// caused.
func (s *Service) ChangeStatus(ctx context.Context, actor core.Actor, caseID uuid.UUID, target core.Status, note string) (repository.Case, error) {
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return repository.Case{}, err
	}

	if err := core.ValidateTransition(actor, c.Status, target); err != nil {
		var terr *core.TransitionError
		if errors.As(err, &terr) {
			s.metrics.RecordStatusTransition(string(terr.Rule))
		}
		return repository.Case{}, err
	}

	previous := c.Status
	if err := s.repo.UpdateCaseStatus(ctx, caseID, target); err != nil {
		return repository.Case{}, err
	}
	c.Status = target
	s.metrics.RecordStatusTransition("allowed")

	s.recordAuditBestEffort(ctx, actor.ID, auditVerbStatusChange, &caseID, statusChangePayload{From: previous, To: target, Note: note})

	if !target.IsDraft() {
		if err := s.applyRules(ctx, c); err != nil {
			s.logger.ErrorContext(ctx, "apply rules after status change", "case_id", caseID, "error", err)
		}
	}

	return c, nil
}

// SubmitCase moves a draft case into the workflow. Submission is the first
// moment rules see the case: drafts are invisible to the engine until now.
// Submitting an already-submitted case re-runs the rules but does not record
// a second submission.
func (s *Service) SubmitCase(ctx context.Context, actor core.Actor, caseID uuid.UUID) (repository.Case, error) {
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return repository.Case{}, err
	}

	if c.Status.IsDraft() {
		if err := s.repo.UpdateCaseStatus(ctx, caseID, core.StatusSubmitted); err != nil {
			return repository.Case{}, err
		}
		c.Status = core.StatusSubmitted
		s.recordAuditBestEffort(ctx, actor.ID, auditVerbSubmitted, &caseID, statusChangePayload{From: core.StatusDraft, To: core.StatusSubmitted})
	}

	if err := s.applyRules(ctx, c); err != nil {
		return repository.Case{}, err
	}

	return c, nil
}
