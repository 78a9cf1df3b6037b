package app

import (
	"sort"
	"time"

	"ctfbot/internal/domain"
)

// newInstance lays out a fresh instance for the room, one unresolved
// challenge per template challenge, in template order.
func newInstance(id, roomID string, contest domain.ContestTemplate, now time.Time) domain.ContestInstance {
	challenges := make([]domain.ChallengeInstance, len(contest.ChallengeIDs))
	for i, challengeID := range contest.ChallengeIDs {
		challenges[i] = domain.ChallengeInstance{ChallengeID: challengeID}
	}
	return domain.ContestInstance{
		ID:              id,
		RoomID:          roomID,
		Contest:         contest.Name,
		Challenges:      challenges,
		ActiveChallenge: 0,
		StartedAt:       now,
		Scores:          []domain.Score{},
		Version:         1,
	}
}

// activeChallenge returns the index of the current challenge, or false when
// the instance is closed or the cursor ran past the end.
func activeChallenge(inst domain.ContestInstance) (int, bool) {
	if inst.IsClosed() {
		return 0, false
	}
	idx := inst.ActiveChallenge
	if idx < 0 || idx >= len(inst.Challenges) {
		return 0, false
	}
	return idx, true
}

// applySolve credits participantID with the challenge at idx, then advances
// the cursor or closes the instance. inst must be a private copy.
// It reports whether the instance was closed by this solve.
func applySolve(inst *domain.ContestInstance, idx int, participantID string, now time.Time) bool {
	at := now
	challenge := &inst.Challenges[idx]
	challenge.Resolved = true
	challenge.ResolvedBy = participantID
	challenge.ResolvedAt = &at

	credited := false
	for i := range inst.Scores {
		score := &inst.Scores[i]
		if score.ParticipantID != participantID {
			continue
		}
		score.Score++
		score.Challenges = append(score.Challenges, idx)
		score.LastSolvedAt = now
		credited = true
		break
	}
	if !credited {
		inst.Scores = append(inst.Scores, domain.Score{
			ParticipantID: participantID,
			Score:         1,
			Challenges:    []int{idx},
			LastSolvedAt:  now,
		})
	}

	inst.Version++
	if inst.ActiveChallenge+1 < len(inst.Challenges) {
		inst.ActiveChallenge++
		return false
	}
	inst.ClosedAt = &at
	return true
}

// rankScores orders scores by count descending. Ties go to whoever reached
// the count first, then to the older score record.
func rankScores(scores []domain.Score) []domain.Score {
	ranked := append([]domain.Score(nil), scores...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].LastSolvedAt.Before(ranked[j].LastSolvedAt)
	})
	return ranked
}
