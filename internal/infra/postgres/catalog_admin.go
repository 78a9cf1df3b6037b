package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ctfbot/internal/domain"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

type contestRow struct {
	bun.BaseModel `bun:"table:contests"`

	Name      string    `bun:"name,pk"`
	Rules     string    `bun:"rules,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type challengeRow struct {
	bun.BaseModel `bun:"table:challenges"`

	ID          string    `bun:"id,pk,type:uuid"`
	Name        string    `bun:"name,notnull"`
	Description string    `bun:"description,notnull"`
	Flag        string    `bun:"flag,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type contestChallengeRow struct {
	bun.BaseModel `bun:"table:contest_challenges"`

	ContestName string `bun:"contest_name,pk"`
	ChallengeID string `bun:"challenge_id,pk,type:uuid"`
	Position    int    `bun:"position,notnull"`
}

// CatalogAdmin authors contests and challenges. Running instances are never
// affected: they copied their challenge list when they started.
type CatalogAdmin struct {
	db    *bun.DB
	newID func() string
}

func NewCatalogAdmin(db *bun.DB) *CatalogAdmin {
	return &CatalogAdmin{db: db, newID: uuid.NewString}
}

func (a *CatalogAdmin) CreateContest(ctx context.Context, name, rules string) (domain.ContestTemplate, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(rules) == "" {
		return domain.ContestTemplate{}, fmt.Errorf("contest name and rules are required")
	}
	row := &contestRow{Name: name, Rules: rules}
	if _, err := a.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return domain.ContestTemplate{}, fmt.Errorf("contest %q already exists: %w", name, domain.ErrConflict)
		}
		return domain.ContestTemplate{}, fmt.Errorf("insert contest: %w", err)
	}
	return domain.ContestTemplate{Name: name, Rules: rules}, nil
}

func (a *CatalogAdmin) CreateChallenge(ctx context.Context, name, description, flag string) (domain.ChallengeTemplate, error) {
	if strings.TrimSpace(name) == "" || flag == "" {
		return domain.ChallengeTemplate{}, fmt.Errorf("challenge name and flag are required")
	}
	row := &challengeRow{ID: a.newID(), Name: name, Description: description, Flag: flag}
	if _, err := a.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return domain.ChallengeTemplate{}, fmt.Errorf("insert challenge: %w", err)
	}
	return domain.ChallengeTemplate{ID: row.ID, Name: name, Description: description, Flag: flag}, nil
}

// Link appends a challenge to the end of the contest's play order.
func (a *CatalogAdmin) Link(ctx context.Context, contestName, challengeID string) error {
	return a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		ok, err := tx.NewSelect().Model((*contestRow)(nil)).Where("name = ?", contestName).Exists(ctx)
		if err != nil {
			return fmt.Errorf("check contest: %w", err)
		}
		if !ok {
			return domain.ErrContestNotFound
		}
		if _, err := uuid.Parse(challengeID); err != nil {
			return domain.ErrChallengeNotFound
		}
		ok, err = tx.NewSelect().Model((*challengeRow)(nil)).Where("id = ?", challengeID).Exists(ctx)
		if err != nil {
			return fmt.Errorf("check challenge: %w", err)
		}
		if !ok {
			return domain.ErrChallengeNotFound
		}

		var position int
		err = tx.NewSelect().
			Model((*contestChallengeRow)(nil)).
			ColumnExpr("COALESCE(MAX(position), -1) + 1").
			Where("contest_name = ?", contestName).
			Scan(ctx, &position)
		if err != nil {
			return fmt.Errorf("next position: %w", err)
		}

		link := &contestChallengeRow{ContestName: contestName, ChallengeID: challengeID, Position: position}
		if _, err := tx.NewInsert().Model(link).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrAlreadyLinked
			}
			return fmt.Errorf("link challenge: %w", err)
		}
		return nil
	})
}

func (a *CatalogAdmin) Unlink(ctx context.Context, contestName, challengeID string) error {
	res, err := a.db.NewDelete().
		Model((*contestChallengeRow)(nil)).
		Where("contest_name = ?", contestName).
		Where("challenge_id::text = ?", challengeID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("unlink challenge: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("challenge %s is not linked to %q: %w", challengeID, contestName, domain.ErrNotFound)
	}
	return nil
}

func (a *CatalogAdmin) ListContests(ctx context.Context) ([]domain.ContestTemplate, error) {
	var contests []contestRow
	if err := a.db.NewSelect().Model(&contests).Order("name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list contests: %w", err)
	}
	var links []contestChallengeRow
	if err := a.db.NewSelect().Model(&links).Order("contest_name ASC", "position ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list contest challenges: %w", err)
	}

	byContest := make(map[string][]string, len(contests))
	for _, link := range links {
		byContest[link.ContestName] = append(byContest[link.ContestName], link.ChallengeID)
	}
	out := make([]domain.ContestTemplate, 0, len(contests))
	for _, c := range contests {
		out = append(out, domain.ContestTemplate{Name: c.Name, Rules: c.Rules, ChallengeIDs: byContest[c.Name]})
	}
	return out, nil
}

func (a *CatalogAdmin) ListChallenges(ctx context.Context) ([]domain.ChallengeTemplate, error) {
	var rows []challengeRow
	if err := a.db.NewSelect().Model(&rows).Order("created_at ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	out := make([]domain.ChallengeTemplate, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.ChallengeTemplate{ID: r.ID, Name: r.Name, Description: r.Description, Flag: r.Flag})
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}
