package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"ctfbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

const roomsKey = "ctf:rooms"

// InstanceStore keeps contest instances in Redis.
//
//	SET   ctf:room:{roomID}:current  {json}   the room's current instance
//	RPUSH ctf:room:{roomID}:history  {json}   instances replaced by a later start
//	SADD  ctf:rooms                  {roomID}
//
// Writes go through WATCH/MULTI so two processes sharing the same Redis can
// not both win the same challenge: the loser's EXEC aborts and surfaces as
// domain.ErrStaleInstance.
type InstanceStore struct {
	client *redis.Client
}

func NewInstanceStore(client *redis.Client) *InstanceStore {
	return &InstanceStore{client: client}
}

func (s *InstanceStore) Create(ctx context.Context, inst domain.ContestInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	key := currentKey(inst.RoomID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		prevRaw, err := tx.Get(ctx, key).Bytes()
		hasPrev := true
		switch {
		case errors.Is(err, redis.Nil):
			hasPrev = false
		case err != nil:
			return err
		default:
			var prev domain.ContestInstance
			if err := json.Unmarshal(prevRaw, &prev); err != nil {
				return err
			}
			if prev.IsActive() {
				return domain.ErrInstanceConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if hasPrev {
				pipe.RPush(ctx, historyKey(inst.RoomID), prevRaw)
			}
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, roomsKey, inst.RoomID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone else started a contest in this room first.
		return domain.ErrInstanceConflict
	}
	return err
}

func (s *InstanceStore) Current(ctx context.Context, roomID string) (domain.ContestInstance, error) {
	data, err := s.client.Get(ctx, currentKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ContestInstance{}, domain.ErrInstanceNotFound
	}
	if err != nil {
		return domain.ContestInstance{}, err
	}
	var inst domain.ContestInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return domain.ContestInstance{}, err
	}
	return inst, nil
}

func (s *InstanceStore) Swap(ctx context.Context, prev, next domain.ContestInstance) error {
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	key := currentKey(prev.RoomID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrInstanceNotFound
		}
		if err != nil {
			return err
		}
		var stored domain.ContestInstance
		if err := json.Unmarshal(raw, &stored); err != nil {
			return err
		}
		if stored.ID != prev.ID || stored.Version != prev.Version {
			return domain.ErrStaleInstance
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrStaleInstance
	}
	return err
}

func (s *InstanceStore) List(ctx context.Context) ([]domain.ContestInstance, error) {
	rooms, err := s.client.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, err
	}
	var out []domain.ContestInstance
	for _, room := range rooms {
		history, err := s.client.LRange(ctx, historyKey(room), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, raw := range history {
			var inst domain.ContestInstance
			if err := json.Unmarshal([]byte(raw), &inst); err != nil {
				return nil, err
			}
			out = append(out, inst)
		}
		current, err := s.Current(ctx, room)
		if errors.Is(err, domain.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, current)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func currentKey(roomID string) string {
	return "ctf:room:" + roomID + ":current"
}

func historyKey(roomID string) string {
	return "ctf:room:" + roomID + ":history"
}
