package service

import "github.com/pesio-ai/be-itsm-approvals/internal/repository"

// Outcome is the subject status implied by a step set.
type Outcome struct {
	// Status is pending_approval, approved or rejected. It is draft when the
	// set holds no decisive step at all.
	Status repository.SubjectStatus
	// SkipLive is set when live steps must be skipped because a step was
	// rejected.
	SkipLive bool
}

// Aggregate derives the subject outcome from the steps of the latest
// evaluation round: any rejected step rejects the subject, otherwise any live
// step keeps it pending, otherwise at least one approval approves it. Steps
// of earlier rounds are history and do not vote.
func Aggregate(steps []*repository.ApprovalStep) Outcome {
	var rejected, live, approved bool
	for _, s := range CurrentRound(steps) {
		switch {
		case s.Status == repository.StepRejected:
			rejected = true
		case s.Status.IsLive():
			live = true
		case s.Status == repository.StepApproved:
			approved = true
		}
	}

	switch {
	case rejected:
		return Outcome{Status: repository.SubjectRejected, SkipLive: live}
	case live:
		return Outcome{Status: repository.SubjectPendingApproval}
	case approved:
		return Outcome{Status: repository.SubjectApproved}
	default:
		return Outcome{Status: repository.SubjectDraft}
	}
}

// CurrentRound returns the steps created by the latest evaluation.
func CurrentRound(steps []*repository.ApprovalStep) []*repository.ApprovalStep {
	latest := latestRound(steps)
	out := make([]*repository.ApprovalStep, 0, len(steps))
	for _, s := range steps {
		if s.Round == latest {
			out = append(out, s)
		}
	}
	return out
}

func latestRound(steps []*repository.ApprovalStep) int {
	latest := 0
	for _, s := range steps {
		latest = max(latest, s.Round)
	}
	return latest
}
