package postgres

import (
	"context"
	"errors"
	"fmt"

	"ctfbot/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// CatalogLoader reads contest and challenge templates from Postgres.
type CatalogLoader struct {
	pool *pgxpool.Pool
}

func NewCatalogLoader(pool *pgxpool.Pool) *CatalogLoader {
	return &CatalogLoader{pool: pool}
}

func (l *CatalogLoader) LoadContest(ctx context.Context, name string) (domain.ContestTemplate, error) {
	contest := domain.ContestTemplate{Name: name}
	err := l.pool.QueryRow(ctx, `SELECT rules FROM contests WHERE name=$1`, name).Scan(&contest.Rules)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ContestTemplate{}, domain.ErrContestNotFound
	}
	if err != nil {
		return domain.ContestTemplate{}, fmt.Errorf("load contest: %w", err)
	}

	rows, err := l.pool.Query(ctx, `SELECT challenge_id::text FROM contest_challenges WHERE contest_name=$1 ORDER BY position`, name)
	if err != nil {
		return domain.ContestTemplate{}, fmt.Errorf("load contest challenges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return domain.ContestTemplate{}, fmt.Errorf("scan contest challenge: %w", err)
		}
		contest.ChallengeIDs = append(contest.ChallengeIDs, id)
	}
	if err := rows.Err(); err != nil {
		return domain.ContestTemplate{}, fmt.Errorf("load contest challenges: %w", err)
	}
	return contest, nil
}

func (l *CatalogLoader) LoadChallenge(ctx context.Context, id string) (domain.ChallengeTemplate, error) {
	challenge := domain.ChallengeTemplate{ID: id}
	err := l.pool.QueryRow(ctx, `SELECT name, description, flag FROM challenges WHERE id::text=$1`, id).
		Scan(&challenge.Name, &challenge.Description, &challenge.Flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChallengeTemplate{}, domain.ErrChallengeNotFound
	}
	if err != nil {
		return domain.ChallengeTemplate{}, fmt.Errorf("load challenge: %w", err)
	}
	return challenge, nil
}
