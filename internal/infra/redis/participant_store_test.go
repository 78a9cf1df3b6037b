package redis

import (
	"context"
	"errors"
	"testing"

	"ctfbot/internal/domain"
	miniredis "github.com/alicebob/miniredis/v2"
)

func TestParticipantStoreSetsOnce(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	store := NewParticipantStore(newClient(mr))

	_, created, err := store.GetOrCreate(ctx, domain.Participant{ID: "42", Username: "alice"})
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	if !mr.Exists("ctf:participant:42") {
		t.Fatalf("expected redis key to be set")
	}

	p, created, err := store.GetOrCreate(ctx, domain.Participant{ID: "42", Username: "mallory"})
	if err != nil || created {
		t.Fatalf("second insert: created=%v err=%v", created, err)
	}
	if p.Username != "alice" {
		t.Fatalf("expected stored participant, got %+v", p)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
