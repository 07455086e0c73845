// Package proposal implements triage and auto-promotion of candidate future
// tasks: score each proposed Proposal against repo-configured thresholds,
// promoting high scorers straight to the backlog and auto-dismissing low
// scorers, leaving the rest for human review.
package proposal

import (
	"fmt"
	"time"

	"github.com/cuemby/conveyor/pkg/log"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/types"
)

// Thresholds configures the triage boundary for one repository.
type Thresholds struct {
	// PromoteAt is the score at or above which a proposal is auto-promoted.
	PromoteAt float64
	// DismissBelow is the score below which a proposal is auto-dismissed.
	DismissBelow float64
	// DefaultMode is the Mode assigned to a promoted task.
	DefaultMode string
}

// Triage applies thresholds to every proposed Proposal in repoPath.
type Triage struct {
	Store storage.Store
}

// Run scores and triages every proposed Proposal for repoPath against
// thresholds, returning the number promoted and the number dismissed.
func (t *Triage) Run(repoPath string, thresholds Thresholds) (promoted, dismissed int, err error) {
	proposals, err := t.Store.ListProposalsByStatus(types.ProposalStatusProposed)
	if err != nil {
		return 0, 0, fmt.Errorf("listing proposed proposals: %w", err)
	}

	logger := log.WithRepo(repoPath)
	for _, p := range proposals {
		if p.RepoPath != repoPath {
			continue
		}

		switch {
		case p.Score >= thresholds.PromoteAt:
			if err := t.promote(p, thresholds.DefaultMode); err != nil {
				logger.Error().Err(err).Int64("proposal_id", p.ID).Msg("failed to promote proposal")
				continue
			}
			promoted++
		case p.Score < thresholds.DismissBelow:
			p.Status = types.ProposalStatusAutoDismissed
			if err := t.Store.UpdateProposal(p); err != nil {
				logger.Error().Err(err).Int64("proposal_id", p.ID).Msg("failed to dismiss proposal")
				continue
			}
			dismissed++
		default:
			// Stays proposed for human review via the out-of-scope dashboard.
		}
	}
	return promoted, dismissed, nil
}

// promote creates a backlog Task from a Proposal and marks it approved,
// recording which task it became.
func (t *Triage) promote(p *types.Proposal, defaultMode string) error {
	task := &types.Task{
		Title:       p.Title,
		Description: p.Description,
		RepoPath:    p.RepoPath,
		Mode:        defaultMode,
		Status:      types.TaskStatusBacklog,
		MaxAttempts: 5,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := t.Store.CreateTask(task); err != nil {
		return fmt.Errorf("creating promoted task: %w", err)
	}

	p.Status = types.ProposalStatusApproved
	p.PromotedTaskID = task.ID
	return t.Store.UpdateProposal(p)
}
