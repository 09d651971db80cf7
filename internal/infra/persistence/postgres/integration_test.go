package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/relay/internal/config"
	"github.com/coachpo/relay/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/relay/internal/infra/persistence/postgres"
	"github.com/coachpo/relay/internal/opportunity"
)

var (
	testPool    *pgxpool.Pool
	testDSN     string
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "relay"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
	} else {
		pgContainer = container
		setupErr = initialiseDatabase(ctx)
	}
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	}
	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	testDSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/relay?sslmode=disable", host, port.Port())

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := migrations.ApplyEmbedded(migrateCtx, testDSN, nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgstore.Connect(ctx, config.DatabaseConfig{DSN: testDSN, MaxConns: 4})
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestMigrationsAreIdempotent(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	if err := migrations.ApplyEmbedded(context.Background(), testDSN, nil); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	v, err := migrations.Version(context.Background(), testDSN, nil)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if !v.Applied || v.Version != 1 || v.Dirty {
		t.Fatalf("unexpected schema version %+v", v)
	}
}

func TestOpportunityStorePublishAndList(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := pgstore.New(testPool).Opportunities()

	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	first := opportunity.Opportunity{
		ID:         uuid.New(),
		Symbol:     "SOL/USD",
		BuySource:  "pyth",
		SellSource: "hermes",
		BuyPrice:   decimal.RequireFromString("150.25"),
		SellPrice:  decimal.RequireFromString("151.40"),
		SpreadBps:  decimal.RequireFromString("76.54"),
		DetectedAt: base,
	}
	second := first
	second.ID = uuid.New()
	second.DetectedAt = base.Add(time.Minute)
	other := first
	other.ID = uuid.New()
	other.Symbol = "ETH/USD"

	for _, opp := range []opportunity.Opportunity{first, second, other, first} {
		if err := store.Publish(ctx, opp); err != nil {
			t.Fatalf("publish %s: %v", opp.ID, err)
		}
	}

	sol, err := store.List(ctx, "SOL/USD", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sol) != 2 {
		t.Fatalf("expected 2 SOL opportunities, got %d", len(sol))
	}
	if sol[0].ID != second.ID {
		t.Fatalf("expected newest first, got %s", sol[0].ID)
	}
	if !sol[1].BuyPrice.Equal(first.BuyPrice) || !sol[1].SpreadBps.Equal(first.SpreadBps) {
		t.Fatalf("decimal round trip mismatch: %+v", sol[1])
	}
	if !sol[1].DetectedAt.Equal(base) {
		t.Fatalf("detected_at mismatch: %s", sol[1].DetectedAt)
	}

	all, err := store.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 opportunities, got %d", len(all))
	}
}

func TestOpportunityStoreThroughDispatcher(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	store := pgstore.NewOpportunityStore(testPool)
	d := opportunity.NewDispatcher(4, []opportunity.Sink{store})
	opp := opportunity.Opportunity{
		ID:         uuid.New(),
		Symbol:     "BTC/USD",
		BuySource:  "a",
		SellSource: "b",
		BuyPrice:   decimal.NewFromInt(60000),
		SellPrice:  decimal.NewFromInt(60600),
		SpreadBps:  decimal.NewFromInt(100),
		DetectedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if !d.Emit(opp) {
		t.Fatal("emit rejected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close dispatcher: %v", err)
	}
	if d.Failed() != 0 {
		t.Fatalf("expected no failed deliveries, got %d", d.Failed())
	}
	got, err := store.List(context.Background(), "BTC/USD", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != opp.ID {
		t.Fatalf("expected dispatched opportunity persisted, got %+v", got)
	}
}
