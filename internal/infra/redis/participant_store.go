package redis

import (
	"context"
	"encoding/json"
	"errors"

	"ctfbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ParticipantStore keeps participants as JSON under ctf:participant:{id}.
// Inserts use SETNX so concurrent first solves by the same user never race.
type ParticipantStore struct {
	client *redis.Client
}

func NewParticipantStore(client *redis.Client) *ParticipantStore {
	return &ParticipantStore{client: client}
}

func (s *ParticipantStore) GetOrCreate(ctx context.Context, p domain.Participant) (domain.Participant, bool, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return domain.Participant{}, false, err
	}
	created, err := s.client.SetNX(ctx, participantKey(p.ID), data, 0).Result()
	if err != nil {
		return domain.Participant{}, false, err
	}
	if created {
		return p, true, nil
	}
	stored, err := s.Get(ctx, p.ID)
	return stored, false, err
}

func (s *ParticipantStore) Get(ctx context.Context, id string) (domain.Participant, error) {
	data, err := s.client.Get(ctx, participantKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, err
	}
	var p domain.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Participant{}, err
	}
	return p, nil
}

func participantKey(id string) string {
	return "ctf:participant:" + id
}
