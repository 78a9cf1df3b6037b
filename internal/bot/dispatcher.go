package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"ctfbot/internal/domain"
)

// Engine is the slice of the contest service the dispatcher drives.
type Engine interface {
	Create(ctx context.Context, roomID, contestName string) (domain.ContestInstance, error)
	Instance(ctx context.Context, roomID string) (domain.ContestInstance, error)
	Contest(ctx context.Context, inst domain.ContestInstance) (domain.ContestTemplate, error)
	CurrentChallenge(ctx context.Context, inst domain.ContestInstance) (domain.ChallengeView, error)
	ChallengeAt(ctx context.Context, inst domain.ContestInstance, idx int) (domain.ChallengeView, error)
	SubmitFlag(ctx context.Context, inst domain.ContestInstance, submitter domain.Participant, flag string) (domain.SubmissionResult, error)
	Scores(ctx context.Context, inst domain.ContestInstance) (domain.Leaderboard, error)
}

// Message is an inbound chat message.
type Message struct {
	RoomID    string
	MessageID string
	Sender    domain.Participant
	Text      string
}

// Reply is an outbound chat message. ReplyTo names the message it answers, if any.
type Reply struct {
	RoomID  string `json:"roomId"`
	ReplyTo string `json:"replyTo,omitempty"`
	Text    string `json:"text"`
}

const (
	defaultTitle   = "CTF Bot"
	textNoContest  = "There is no running CTF"
	textNotActive  = "The CTF is not active!"
	textClosed     = "The CTF is closed!"
	textInvalid    = "Invalid challenge!"
	textCorrect    = "correct!"
	textWrong      = "nope"
	textLate       = "nope (not first to resolve this challenge)"
	textFlagUsage  = "usage:\n\n/flag <flag>"
	textStartUsage = "CTF Bot - Start CTF Usage\n\n/start <CTF Name>"
	textFailure    = "Something went wrong, please try again later"
)

var helpLines = []string{
	"/help",
	"/start",
	"/rules",
	"/scores",
	"/challenge",
	"/flag <flag>",
}

// Dispatcher turns chat commands into contest operations and formats the replies.
type Dispatcher struct {
	engine Engine
	logger *slog.Logger
}

func NewDispatcher(engine Engine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{engine: engine, logger: logger}
}

type handlerFunc func(ctx context.Context, msg Message, args []string, inst *domain.ContestInstance) []Reply

// Handle processes one message. Non-command text yields no replies.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) []Reply {
	cmd, args, ok := parseCommand(msg.Text)
	if !ok {
		return nil
	}
	handlers := map[string]handlerFunc{
		"help":      d.help,
		"start":     d.start,
		"rules":     d.rules,
		"scores":    d.scores,
		"challenge": d.challenge,
		"flag":      d.flag,
	}
	handler, ok := handlers[cmd]
	if !ok {
		return nil
	}

	var inst *domain.ContestInstance
	current, err := d.engine.Instance(ctx, msg.RoomID)
	switch {
	case err == nil:
		inst = &current
	case !errors.Is(err, domain.ErrNotFound):
		return d.failure(msg, "resolve contest", err)
	}
	return handler(ctx, msg, args, inst)
}

func (d *Dispatcher) help(_ context.Context, msg Message, _ []string, inst *domain.ContestInstance) []Reply {
	title := defaultTitle
	if inst != nil {
		title = inst.Contest
	}
	return []Reply{say(msg, fmt.Sprintf("%s - Help\n\n%s", title, strings.Join(helpLines, "\n")))}
}

func (d *Dispatcher) start(ctx context.Context, msg Message, args []string, _ *domain.ContestInstance) []Reply {
	if len(args) == 0 {
		return []Reply{reply(msg, textStartUsage)}
	}
	name := strings.Join(args, " ")

	inst, err := d.engine.Create(ctx, msg.RoomID, name)
	switch {
	case errors.Is(err, domain.ErrConflict):
		return []Reply{reply(msg, "A CTF is already running here")}
	case errors.Is(err, domain.ErrContestEmpty):
		return []Reply{reply(msg, fmt.Sprintf("CTF %q has no challenges", name))}
	case errors.Is(err, domain.ErrNotFound):
		return []Reply{reply(msg, fmt.Sprintf("CTF %q is not valid", name))}
	case err != nil:
		return d.failure(msg, "start contest", err)
	}

	contest, err := d.engine.Contest(ctx, inst)
	if err != nil {
		return d.failure(msg, "load contest", err)
	}
	replies := []Reply{say(msg, fmt.Sprintf("CTF %q Started!\n\nRules:\n------------------\n%s", contest.Name, contest.Rules))}
	return append(replies, d.challenge(ctx, msg, nil, &inst)...)
}

func (d *Dispatcher) rules(ctx context.Context, msg Message, _ []string, inst *domain.ContestInstance) []Reply {
	if inst == nil {
		return []Reply{reply(msg, textNoContest)}
	}
	contest, err := d.engine.Contest(ctx, *inst)
	if err != nil {
		return d.failure(msg, "load contest", err)
	}
	return []Reply{reply(msg, fmt.Sprintf("CTF %q Rules:\n\n%s", contest.Name, contest.Rules))}
}

func (d *Dispatcher) scores(ctx context.Context, msg Message, _ []string, inst *domain.ContestInstance) []Reply {
	if inst == nil {
		return []Reply{reply(msg, textNoContest)}
	}
	lb, err := d.engine.Scores(ctx, *inst)
	if err != nil {
		return d.failure(msg, "load scores", err)
	}
	return []Reply{say(msg, formatScores(lb))}
}

func (d *Dispatcher) challenge(ctx context.Context, msg Message, args []string, inst *domain.ContestInstance) []Reply {
	if inst == nil {
		return []Reply{reply(msg, textNoContest)}
	}

	var (
		view domain.ChallengeView
		err  error
	)
	if idx, ok := challengeIndex(args); ok {
		view, err = d.engine.ChallengeAt(ctx, *inst, idx)
	} else {
		view, err = d.engine.CurrentChallenge(ctx, *inst)
	}
	switch {
	case errors.Is(err, domain.ErrClosed):
		return []Reply{reply(msg, textNotActive)}
	case errors.Is(err, domain.ErrInvalidChallenge):
		return []Reply{reply(msg, textInvalid)}
	case err != nil:
		return d.failure(msg, "load challenge", err)
	}
	return []Reply{say(msg, formatChallenge(view))}
}

func (d *Dispatcher) flag(ctx context.Context, msg Message, args []string, inst *domain.ContestInstance) []Reply {
	if len(args) == 0 {
		return []Reply{reply(msg, textFlagUsage)}
	}
	if inst == nil {
		return []Reply{reply(msg, textNoContest)}
	}

	result, err := d.engine.SubmitFlag(ctx, *inst, msg.Sender, args[0])
	switch {
	case errors.Is(err, domain.ErrClosed):
		return []Reply{reply(msg, textClosed)}
	case errors.Is(err, domain.ErrAlreadyResolved):
		return []Reply{reply(msg, textLate)}
	case errors.Is(err, domain.ErrIncorrectFlag):
		return []Reply{reply(msg, textWrong)}
	case err != nil:
		return d.failure(msg, "submit flag", err)
	}

	replies := []Reply{reply(msg, textCorrect)}
	switch result.Outcome {
	case domain.OutcomeAdvanced:
		replies = append(replies, say(msg, formatChallenge(*result.Next)))
	case domain.OutcomeClosedContest:
		replies = append(replies,
			reply(msg, fmt.Sprintf("CTF %q has ended!", result.Instance.Contest)),
			say(msg, formatScores(*result.Scores)),
		)
	}
	return replies
}

func (d *Dispatcher) failure(msg Message, op string, err error) []Reply {
	d.logger.Error("command failed", "op", op, "room", msg.RoomID, "sender", msg.Sender.ID, "error", err)
	return []Reply{reply(msg, textFailure)}
}

// parseCommand splits "/cmd@bot arg1 arg2" into ("cmd", [arg1 arg2]).
func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), fields[1:], cmd != ""
}

func challengeIndex(args []string) (int, bool) {
	if len(args) == 0 {
		return 0, false
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, false
	}
	return idx, true
}

func formatChallenge(view domain.ChallengeView) string {
	return fmt.Sprintf("Challenge %d: %s\n\n%s", view.Index, view.Name, view.Description)
}

func formatScores(lb domain.Leaderboard) string {
	lines := make([]string, 0, len(lb.Entries))
	for _, entry := range lb.Entries {
		lines = append(lines, fmt.Sprintf("%s: %d", entry.DisplayName, entry.Score))
	}
	if len(lines) == 0 {
		lines = append(lines, "No flags captured yet")
	}
	return fmt.Sprintf("CTF %q Scores\n\n%s", lb.Contest, strings.Join(lines, "\n"))
}

func reply(msg Message, text string) Reply {
	return Reply{RoomID: msg.RoomID, ReplyTo: msg.MessageID, Text: text}
}

func say(msg Message, text string) Reply {
	return Reply{RoomID: msg.RoomID, Text: text}
}
