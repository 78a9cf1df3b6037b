package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ctfbot/internal/app"
	"ctfbot/internal/domain"
	pgcatalog "ctfbot/internal/infra/postgres"
	pgmigrations "ctfbot/internal/infra/postgres/migrations"
	infraredis "ctfbot/internal/infra/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

func TestContestEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedCatalog(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	catalog := infraredis.NewCatalog(redisClient, pgcatalog.NewCatalogLoader(pool), 5*time.Minute)
	// Two services share the stores, like two gateway replicas.
	newService := func() *app.ContestService {
		return app.NewContestService(
			infraredis.NewInstanceStore(redisClient),
			infraredis.NewParticipantStore(redisClient),
			catalog,
			app.Options{StoreTimeout: 5 * time.Second},
		)
	}
	replicas := []*app.ContestService{newService(), newService()}

	inst, err := replicas[0].Create(ctx, "room-1", "intro")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := replicas[1].Create(ctx, "room-1", "intro"); !errors.Is(err, domain.ErrInstanceConflict) {
		t.Fatalf("expected conflict from second replica, got %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		late    int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := domain.Participant{ID: fmt.Sprintf("u%d", i), FirstName: fmt.Sprintf("Player%d", i)}
			_, err := replicas[i%2].SubmitFlag(ctx, inst, p, "flag{first}")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, domain.ErrAlreadyResolved):
				late++
			default:
				t.Errorf("submit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 || late != 9 {
		t.Fatalf("expected one winner and nine late submissions, got %d and %d", winners, late)
	}

	current, err := replicas[1].Instance(ctx, "room-1")
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if current.ActiveChallenge != 1 {
		t.Fatalf("expected cursor on challenge 1, got %d", current.ActiveChallenge)
	}

	result, err := replicas[1].SubmitFlag(ctx, current, domain.Participant{ID: "u0", FirstName: "Player0"}, "flag{second}")
	if err != nil {
		t.Fatalf("final submit: %v", err)
	}
	if result.Outcome != domain.OutcomeClosedContest || result.Scores == nil {
		t.Fatalf("expected closed contest with scores, got %+v", result)
	}
	if len(result.Scores.Entries) == 0 || len(result.Scores.Entries) > 2 {
		t.Fatalf("unexpected leaderboard %+v", result.Scores.Entries)
	}

	if _, err := replicas[0].SubmitFlag(ctx, result.Instance, domain.Participant{ID: "u1"}, "flag{second}"); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("expected closed contest, got %v", err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "ctf", "POSTGRES_PASSWORD": "ctfpass", "POSTGRES_DB": "ctfdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://ctf:ctfpass@%s:%s/ctfdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func seedCatalog(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	admin := pgcatalog.NewCatalogAdmin(db)
	if _, err := admin.CreateContest(ctx, "intro", "first flag wins"); err != nil {
		t.Fatalf("create contest: %v", err)
	}
	if _, err := admin.CreateContest(ctx, "intro", "again"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected duplicate contest conflict, got %v", err)
	}
	for _, flag := range []string{"flag{first}", "flag{second}"} {
		ch, err := admin.CreateChallenge(ctx, "challenge "+flag, "find "+flag, flag)
		if err != nil {
			t.Fatalf("create challenge: %v", err)
		}
		if err := admin.Link(ctx, "intro", ch.ID); err != nil {
			t.Fatalf("link: %v", err)
		}
		if err := admin.Link(ctx, "intro", ch.ID); !errors.Is(err, domain.ErrAlreadyLinked) {
			t.Fatalf("expected already linked, got %v", err)
		}
	}

	contests, err := admin.ListContests(ctx)
	if err != nil {
		t.Fatalf("list contests: %v", err)
	}
	if len(contests) != 1 || len(contests[0].ChallengeIDs) != 2 {
		t.Fatalf("unexpected catalog %+v", contests)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
