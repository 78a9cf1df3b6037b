package bot_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctfbot/internal/app"
	"ctfbot/internal/bot"
	"ctfbot/internal/domain"
	"ctfbot/internal/infra/memory"
)

var (
	alice = domain.Participant{ID: "1", Username: "alice"}
	bob   = domain.Participant{ID: "2", FirstName: "Bob"}
)

func newDispatcher(t *testing.T) *bot.Dispatcher {
	t.Helper()
	loader := memory.NewStaticCatalogLoader(
		[]domain.ContestTemplate{
			{Name: "intro", Rules: "be nice", ChallengeIDs: []string{"c0", "c1"}},
			{Name: "empty", Rules: "none"},
		},
		[]domain.ChallengeTemplate{
			{ID: "c0", Name: "Warmup", Description: "say hi", Flag: "flag{hi}"},
			{ID: "c1", Name: "Final", Description: "say bye", Flag: "flag{bye}"},
		},
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := app.NewContestService(
		memory.NewInstanceStore(),
		memory.NewParticipantStore(),
		memory.NewCatalog(loader, time.Minute),
		app.Options{Logger: logger},
	)
	return bot.NewDispatcher(service, logger)
}

func send(d *bot.Dispatcher, from domain.Participant, text string) []bot.Reply {
	return d.Handle(context.Background(), bot.Message{RoomID: "room-1", MessageID: "m1", Sender: from, Text: text})
}

func texts(replies []bot.Reply) []string {
	out := make([]string, 0, len(replies))
	for _, r := range replies {
		out = append(out, r.Text)
	}
	return out
}

func TestDispatcher_NoRunningContest(t *testing.T) {
	d := newDispatcher(t)

	for _, cmd := range []string{"/rules", "/scores", "/challenge", "/flag flag{hi}"} {
		replies := send(d, alice, cmd)
		require.Len(t, replies, 1, cmd)
		assert.Equal(t, "There is no running CTF", replies[0].Text, cmd)
		assert.Equal(t, "m1", replies[0].ReplyTo, cmd)
	}
}

func TestDispatcher_IgnoresPlainTextAndUnknownCommands(t *testing.T) {
	d := newDispatcher(t)

	assert.Empty(t, send(d, alice, "hello there"))
	assert.Empty(t, send(d, alice, "/dance"))
	assert.Empty(t, send(d, alice, "   "))
}

func TestDispatcher_Help(t *testing.T) {
	d := newDispatcher(t)

	replies := send(d, alice, "/help")
	require.Len(t, replies, 1)
	assert.Equal(t, "CTF Bot - Help\n\n/help\n/start\n/rules\n/scores\n/challenge\n/flag <flag>", replies[0].Text)

	send(d, alice, "/start intro")
	replies = send(d, alice, "/help@ctf_bot")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Text, "intro - Help")
}

func TestDispatcher_StartVariants(t *testing.T) {
	d := newDispatcher(t)

	assert.Equal(t, []string{"CTF Bot - Start CTF Usage\n\n/start <CTF Name>"}, texts(send(d, alice, "/start")))
	assert.Equal(t, []string{`CTF "missing" is not valid`}, texts(send(d, alice, "/start missing")))
	assert.Equal(t, []string{`CTF "empty" has no challenges`}, texts(send(d, alice, "/start empty")))

	replies := send(d, alice, "/start intro")
	assert.Equal(t, []string{
		"CTF \"intro\" Started!\n\nRules:\n------------------\nbe nice",
		"Challenge 0: Warmup\n\nsay hi",
	}, texts(replies))
	assert.Empty(t, replies[0].ReplyTo)

	assert.Equal(t, []string{"A CTF is already running here"}, texts(send(d, bob, "/start intro")))
}

func TestDispatcher_FullContest(t *testing.T) {
	d := newDispatcher(t)
	send(d, alice, "/start intro")

	assert.Equal(t, []string{"CTF \"intro\" Rules:\n\nbe nice"}, texts(send(d, bob, "/rules")))
	assert.Equal(t, []string{"usage:\n\n/flag <flag>"}, texts(send(d, bob, "/flag")))
	assert.Equal(t, []string{"nope"}, texts(send(d, bob, "/flag flag{nope}")))

	assert.Equal(t, []string{"correct!", "Challenge 1: Final\n\nsay bye"}, texts(send(d, bob, "/flag flag{hi}")))
	assert.Equal(t, []string{"nope"}, texts(send(d, alice, "/flag flag{hi}")))
	assert.Equal(t, []string{"Challenge 1: Final\n\nsay bye"}, texts(send(d, alice, "/challenge")))
	assert.Equal(t, []string{"Challenge 0: Warmup\n\nsay hi"}, texts(send(d, alice, "/challenge 0")))
	assert.Equal(t, []string{"Invalid challenge!"}, texts(send(d, alice, "/challenge 7")))
	assert.Equal(t, []string{"CTF \"intro\" Scores\n\nBob: 1"}, texts(send(d, alice, "/scores")))

	assert.Equal(t, []string{
		"correct!",
		`CTF "intro" has ended!`,
		"CTF \"intro\" Scores\n\nBob: 1\n@alice: 1",
	}, texts(send(d, alice, "/flag flag{bye}")))

	assert.Equal(t, []string{"The CTF is closed!"}, texts(send(d, bob, "/flag flag{bye}")))
	assert.Equal(t, []string{"The CTF is not active!"}, texts(send(d, bob, "/challenge")))
	assert.Equal(t, []string{"CTF \"intro\" Scores\n\nBob: 1\n@alice: 1"}, texts(send(d, bob, "/scores")))

	// A closed contest frees the room.
	replies := send(d, bob, "/start intro")
	require.Len(t, replies, 2)
	assert.Equal(t, "Challenge 0: Warmup\n\nsay hi", replies[1].Text)
	assert.Equal(t, []string{"CTF \"intro\" Scores\n\nNo flags captured yet"}, texts(send(d, bob, "/scores")))
}

type failingEngine struct {
	bot.Engine
}

func (failingEngine) Instance(context.Context, string) (domain.ContestInstance, error) {
	return domain.ContestInstance{}, errors.Join(domain.ErrStoreUnavailable, errors.New("connection reset"))
}

func TestDispatcher_StoreFailure(t *testing.T) {
	d := bot.NewDispatcher(failingEngine{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	replies := d.Handle(context.Background(), bot.Message{RoomID: "room-1", MessageID: "m9", Sender: alice, Text: "/scores"})
	require.Len(t, replies, 1)
	assert.Equal(t, "Something went wrong, please try again later", replies[0].Text)
	assert.Equal(t, "m9", replies[0].ReplyTo)
}
