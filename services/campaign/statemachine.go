package campaign

import (
	"fmt"

	"rewardplane/pkg/errutil"
)

// transitions is the full campaign lifecycle table. Cancelled is reachable
// from every non-terminal state; Settled and Cancelled are terminal.
var transitions = map[CampaignStatus][]CampaignStatus{
	StatusDraft:     {StatusActive, StatusCancelled},
	StatusActive:    {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused:    {StatusActive, StatusCompleted, StatusCancelled},
	StatusCompleted: {StatusSettled, StatusCancelled},
	StatusSettled:   {},
	StatusCancelled: {},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the campaign to the requested status or rejects the move.
// Illegal transitions are invariant violations, never silently ignored.
func (c *Campaign) Transition(to CampaignStatus) error {
	if !CanTransition(c.Status, to) {
		return errutil.Conflict(
			fmt.Sprintf("illegal campaign transition %s -> %s", c.Status, to),
		)
	}
	c.Status = to
	return nil
}

// IsTerminal reports whether no further transition is possible.
func (s CampaignStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func (c *Campaign) IsTerminal() bool {
	return c.Status.IsTerminal()
}
