package domain

import "time"

// ChallengeTemplate is a catalog challenge: what players read and the flag that solves it.
type ChallengeTemplate struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Flag        string `json:"flag" yaml:"flag"`
}

// ContestTemplate is a catalog contest. Name is unique; ChallengeIDs keeps play order.
type ContestTemplate struct {
	Name         string   `json:"name" yaml:"name"`
	Rules        string   `json:"rules" yaml:"rules"`
	ChallengeIDs []string `json:"challengeIds" yaml:"challenges"`
}

// ChallengeInstance tracks one template challenge inside a running contest.
type ChallengeInstance struct {
	ChallengeID string     `json:"challengeId"`
	Resolved    bool       `json:"resolved"`
	ResolvedBy  string     `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// Score is a participant's tally inside one contest instance.
// Challenges holds the indexes of the credited challenge instances.
type Score struct {
	ParticipantID string    `json:"participantId"`
	Score         int       `json:"score"`
	Challenges    []int     `json:"challenges"`
	LastSolvedAt  time.Time `json:"lastSolvedAt"`
}

// ContestInstance is a contest being played in a chat room.
//
// Version is bumped on every committed change and is what stores compare
// against when applying a conditional update.
type ContestInstance struct {
	ID              string              `json:"id"`
	RoomID          string              `json:"roomId"`
	Contest         string              `json:"contest"`
	Challenges      []ChallengeInstance `json:"challenges"`
	ActiveChallenge int                 `json:"activeChallenge"`
	StartedAt       time.Time           `json:"startedAt"`
	ClosedAt        *time.Time          `json:"closedAt,omitempty"`
	Scores          []Score             `json:"scores"`
	Version         int64               `json:"version"`
}

// IsClosed reports whether the instance reached its terminal state.
func (c ContestInstance) IsClosed() bool {
	return c.ClosedAt != nil
}

// IsActive reports whether the instance still accepts submissions.
func (c ContestInstance) IsActive() bool {
	return c.ClosedAt == nil
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (c ContestInstance) Clone() ContestInstance {
	out := c
	out.Challenges = make([]ChallengeInstance, len(c.Challenges))
	for i, ch := range c.Challenges {
		if ch.ResolvedAt != nil {
			at := *ch.ResolvedAt
			ch.ResolvedAt = &at
		}
		out.Challenges[i] = ch
	}
	out.Scores = make([]Score, len(c.Scores))
	for i, s := range c.Scores {
		s.Challenges = append([]int(nil), s.Challenges...)
		out.Scores[i] = s
	}
	if c.ClosedAt != nil {
		at := *c.ClosedAt
		out.ClosedAt = &at
	}
	return out
}

// Participant is a chat-platform user who has solved at least one challenge.
type Participant struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	CreatedAt time.Time `json:"createdAt"`
}

// DisplayName picks the most readable handle available.
func (p Participant) DisplayName() string {
	switch {
	case p.Username != "":
		return "@" + p.Username
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.ID
	}
}

// ChallengeView joins a challenge instance with its template text.
type ChallengeView struct {
	Index       int        `json:"index"`
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Resolved    bool       `json:"resolved"`
	ResolvedBy  string     `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// LeaderboardEntry is a snapshot-friendly view of a participant's score.
type LeaderboardEntry struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Score         int    `json:"score"`
	Challenges    []int  `json:"challenges"`
}

// Leaderboard captures the ordered scoreboard for a contest instance.
type Leaderboard struct {
	RoomID     string             `json:"roomId"`
	InstanceID string             `json:"instanceId"`
	Contest    string             `json:"contest"`
	Closed     bool               `json:"closed"`
	Entries    []LeaderboardEntry `json:"entries"`
}

// SubmissionOutcome tags which successful path a flag submission took.
type SubmissionOutcome int

const (
	// OutcomeAdvanced means the flag was correct and the next challenge is now active.
	OutcomeAdvanced SubmissionOutcome = iota + 1
	// OutcomeClosedContest means the flag solved the last challenge and the contest is closed.
	OutcomeClosedContest
)

func (o SubmissionOutcome) String() string {
	switch o {
	case OutcomeAdvanced:
		return "correct-advanced"
	case OutcomeClosedContest:
		return "correct-closed"
	default:
		return "unknown"
	}
}

// SubmissionResult summarizes a winning flag submission.
// Next is set for OutcomeAdvanced, Scores for OutcomeClosedContest.
type SubmissionResult struct {
	Outcome  SubmissionOutcome
	Solved   ChallengeView
	Next     *ChallengeView
	Scores   *Leaderboard
	Instance ContestInstance
}
