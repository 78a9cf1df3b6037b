package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ctfbot/internal/domain"
	"github.com/google/uuid"
)

// InstanceStore persists contest instances, one current instance per room.
type InstanceStore interface {
	// Create stores inst as the room's current instance. It fails with
	// domain.ErrInstanceConflict when the room's current instance is still open.
	// A closed current instance is moved to the room's history.
	Create(ctx context.Context, inst domain.ContestInstance) error
	// Current returns the most recent instance of the room, open or closed.
	Current(ctx context.Context, roomID string) (domain.ContestInstance, error)
	// Swap replaces prev with next only if the stored instance still has
	// prev's ID and Version; otherwise it returns domain.ErrStaleInstance.
	Swap(ctx context.Context, prev, next domain.ContestInstance) error
	// List returns every known instance, current and historical.
	List(ctx context.Context) ([]domain.ContestInstance, error)
}

// ParticipantStore keeps the directory of participants.
type ParticipantStore interface {
	// GetOrCreate inserts p unless a participant with the same ID exists, and
	// returns the stored record. created reports whether the insert happened.
	GetOrCreate(ctx context.Context, p domain.Participant) (stored domain.Participant, created bool, err error)
	Get(ctx context.Context, id string) (domain.Participant, error)
}

// Catalog resolves contest and challenge templates.
type Catalog interface {
	GetContest(ctx context.Context, name string) (domain.ContestTemplate, error)
	GetChallenge(ctx context.Context, id string) (domain.ChallengeTemplate, error)
}

// Options tunes store access.
type Options struct {
	// StoreTimeout bounds every single store call. Zero means no bound.
	StoreTimeout time.Duration
	// CommitRetries is how many times a lost conditional update is re-evaluated.
	CommitRetries int
	Logger        *slog.Logger
	Now           func() time.Time
	NewID         func() string
}

// ContestService runs contest instances: starting them, validating flags,
// crediting first solvers and closing them after the last challenge.
type ContestService struct {
	instances    InstanceStore
	participants ParticipantStore
	catalog      Catalog

	storeTimeout time.Duration
	retries      int
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
	locks        *roomLocks
}

func NewContestService(instances InstanceStore, participants ParticipantStore, catalog Catalog, opts Options) *ContestService {
	s := &ContestService{
		instances:    instances,
		participants: participants,
		catalog:      catalog,
		storeTimeout: opts.StoreTimeout,
		retries:      opts.CommitRetries,
		logger:       opts.Logger,
		now:          opts.Now,
		newID:        opts.NewID,
		locks:        newRoomLocks(),
	}
	if s.retries <= 0 {
		s.retries = 3
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Create starts contestName in roomID. The room must not have an open instance.
func (s *ContestService) Create(ctx context.Context, roomID, contestName string) (domain.ContestInstance, error) {
	unlock := s.locks.lock(roomID)
	defer unlock()

	current, err := s.currentInstance(ctx, roomID)
	switch {
	case err == nil && current.IsActive():
		s.logger.Warn("contest already running in room", "room", roomID, "contest", current.Contest, "instance", current.ID)
		return domain.ContestInstance{}, domain.ErrInstanceConflict
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.ContestInstance{}, err
	}

	contest, err := s.contest(ctx, contestName)
	if err != nil {
		return domain.ContestInstance{}, err
	}
	if len(contest.ChallengeIDs) == 0 {
		return domain.ContestInstance{}, domain.ErrContestEmpty
	}

	inst := newInstance(s.newID(), roomID, contest, s.now())
	if err := s.storeCall(ctx, func(ctx context.Context) error {
		return s.instances.Create(ctx, inst)
	}); err != nil {
		return domain.ContestInstance{}, err
	}

	s.logger.Info("contest started", "room", roomID, "contest", contest.Name, "instance", inst.ID, "challenges", len(inst.Challenges))
	return inst, nil
}

// Instance resolves the room's current instance, open or closed.
func (s *ContestService) Instance(ctx context.Context, roomID string) (domain.ContestInstance, error) {
	return s.currentInstance(ctx, roomID)
}

// Contest returns the template inst was started from.
func (s *ContestService) Contest(ctx context.Context, inst domain.ContestInstance) (domain.ContestTemplate, error) {
	return s.contest(ctx, inst.Contest)
}

// CurrentChallenge returns the challenge players are working on.
func (s *ContestService) CurrentChallenge(ctx context.Context, inst domain.ContestInstance) (domain.ChallengeView, error) {
	if inst.IsClosed() {
		return domain.ChallengeView{}, domain.ErrClosed
	}
	idx, ok := activeChallenge(inst)
	if !ok {
		return domain.ChallengeView{}, domain.ErrInvalidChallenge
	}
	return s.challengeView(ctx, inst, idx)
}

// ChallengeAt returns challenge idx of an open instance without moving the cursor.
func (s *ContestService) ChallengeAt(ctx context.Context, inst domain.ContestInstance, idx int) (domain.ChallengeView, error) {
	if inst.IsClosed() {
		return domain.ChallengeView{}, domain.ErrClosed
	}
	if idx < 0 || idx >= len(inst.Challenges) {
		return domain.ChallengeView{}, domain.ErrInvalidChallenge
	}
	return s.challengeView(ctx, inst, idx)
}

// SubmitFlag checks flag against the current challenge of inst on behalf of
// submitter. Only the first correct flag per challenge scores; the winning
// commit also advances the contest or closes it after the last challenge.
//
// Failures are domain.ErrClosed, domain.ErrAlreadyResolved,
// domain.ErrIncorrectFlag or a store error; none of them change state.
func (s *ContestService) SubmitFlag(ctx context.Context, inst domain.ContestInstance, submitter domain.Participant, flag string) (domain.SubmissionResult, error) {
	unlock := s.locks.lock(inst.RoomID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := s.currentInstance(ctx, inst.RoomID)
		if err != nil {
			return domain.SubmissionResult{}, err
		}
		// The room moved on to another instance, so ours was closed.
		if current.ID != inst.ID || inst.IsClosed() {
			s.logger.Warn("flag submitted to closed contest", "room", inst.RoomID, "instance", inst.ID, "participant", submitter.ID)
			return domain.SubmissionResult{}, domain.ErrClosed
		}
		// The flag is for the challenge the submitter was shown, which may
		// have been won since.
		idx, ok := activeChallenge(inst)
		if !ok || idx >= len(current.Challenges) {
			return domain.SubmissionResult{}, domain.ErrInvalidChallenge
		}
		if current.Challenges[idx].Resolved {
			s.logger.Warn("flag submitted for resolved challenge", "room", inst.RoomID, "challenge", idx, "participant", submitter.ID)
			return domain.SubmissionResult{}, domain.ErrAlreadyResolved
		}
		if current.ActiveChallenge != idx {
			return domain.SubmissionResult{}, domain.ErrInvalidChallenge
		}

		template, err := s.challenge(ctx, current.Challenges[idx].ChallengeID)
		if err != nil {
			return domain.SubmissionResult{}, err
		}
		if !flagsEqual(flag, template.Flag) {
			return domain.SubmissionResult{}, domain.ErrIncorrectFlag
		}

		if submitter.CreatedAt.IsZero() {
			submitter.CreatedAt = s.now()
		}
		if err := s.storeCall(ctx, func(ctx context.Context) error {
			_, _, err := s.participants.GetOrCreate(ctx, submitter)
			return err
		}); err != nil {
			return domain.SubmissionResult{}, err
		}

		next := current.Clone()
		closed := applySolve(&next, idx, submitter.ID, s.now())
		err = s.storeCall(ctx, func(ctx context.Context) error {
			return s.instances.Swap(ctx, current, next)
		})
		if errors.Is(err, domain.ErrStaleInstance) && attempt < s.retries {
			s.logger.Debug("conditional update lost, retrying", "room", inst.RoomID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return domain.SubmissionResult{}, err
		}

		s.logger.Info("challenge solved", "room", inst.RoomID, "challenge", idx, "participant", submitter.ID, "closed", closed)
		return s.submissionResult(ctx, next, idx, closed)
	}
}

// Scores ranks the participants of inst by solved challenges.
func (s *ContestService) Scores(ctx context.Context, inst domain.ContestInstance) (domain.Leaderboard, error) {
	ranked := rankScores(inst.Scores)
	entries := make([]domain.LeaderboardEntry, 0, len(ranked))
	for _, score := range ranked {
		name := score.ParticipantID
		var participant domain.Participant
		err := s.storeCall(ctx, func(ctx context.Context) error {
			var err error
			participant, err = s.participants.Get(ctx, score.ParticipantID)
			return err
		})
		switch {
		case err == nil:
			name = participant.DisplayName()
		case !errors.Is(err, domain.ErrNotFound):
			return domain.Leaderboard{}, err
		}
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: score.ParticipantID,
			DisplayName:   name,
			Score:         score.Score,
			Challenges:    append([]int(nil), score.Challenges...),
		})
	}
	return domain.Leaderboard{
		RoomID:     inst.RoomID,
		InstanceID: inst.ID,
		Contest:    inst.Contest,
		Closed:     inst.IsClosed(),
		Entries:    entries,
	}, nil
}

// Instances lists every instance the store knows about.
func (s *ContestService) Instances(ctx context.Context) ([]domain.ContestInstance, error) {
	var out []domain.ContestInstance
	err := s.storeCall(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.instances.List(ctx)
		return err
	})
	return out, err
}

func (s *ContestService) submissionResult(ctx context.Context, inst domain.ContestInstance, solvedIdx int, closed bool) (domain.SubmissionResult, error) {
	solved, err := s.challengeView(ctx, inst, solvedIdx)
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	result := domain.SubmissionResult{Solved: solved, Instance: inst}
	if closed {
		scores, err := s.Scores(ctx, inst)
		if err != nil {
			return domain.SubmissionResult{}, err
		}
		result.Outcome = domain.OutcomeClosedContest
		result.Scores = &scores
		return result, nil
	}
	next, err := s.challengeView(ctx, inst, inst.ActiveChallenge)
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	result.Outcome = domain.OutcomeAdvanced
	result.Next = &next
	return result, nil
}

func (s *ContestService) challengeView(ctx context.Context, inst domain.ContestInstance, idx int) (domain.ChallengeView, error) {
	ch := inst.Challenges[idx]
	template, err := s.challenge(ctx, ch.ChallengeID)
	if err != nil {
		return domain.ChallengeView{}, err
	}
	return domain.ChallengeView{
		Index:       idx,
		ID:          template.ID,
		Name:        template.Name,
		Description: template.Description,
		Resolved:    ch.Resolved,
		ResolvedBy:  ch.ResolvedBy,
		ResolvedAt:  ch.ResolvedAt,
	}, nil
}

func (s *ContestService) currentInstance(ctx context.Context, roomID string) (domain.ContestInstance, error) {
	var inst domain.ContestInstance
	err := s.storeCall(ctx, func(ctx context.Context) error {
		var err error
		inst, err = s.instances.Current(ctx, roomID)
		return err
	})
	return inst, err
}

func (s *ContestService) contest(ctx context.Context, name string) (domain.ContestTemplate, error) {
	var contest domain.ContestTemplate
	err := s.storeCall(ctx, func(ctx context.Context) error {
		var err error
		contest, err = s.catalog.GetContest(ctx, name)
		return err
	})
	return contest, err
}

func (s *ContestService) challenge(ctx context.Context, id string) (domain.ChallengeTemplate, error) {
	var challenge domain.ChallengeTemplate
	err := s.storeCall(ctx, func(ctx context.Context) error {
		var err error
		challenge, err = s.catalog.GetChallenge(ctx, id)
		return err
	})
	return challenge, err
}

// storeCall runs fn under the configured store timeout and maps failures onto
// the domain error kinds.
func (s *ContestService) storeCall(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
	}
	err := fn(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrStoreTimeout, err)
	case domain.IsKind(err):
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrStoreTimeout, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
}

func flagsEqual(submitted, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(expected)) == 1
}
