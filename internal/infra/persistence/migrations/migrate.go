// Package migrations wires golang-migrate execution for the relay opportunity store.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/relay/db/migrations"
	"github.com/coachpo/relay/internal/telemetry"
)

// EmbeddedSource names the SQL set compiled into the binary.
const EmbeddedSource = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// SchemaVersion is the migration state recorded in the database.
type SchemaVersion struct {
	Version uint
	Dirty   bool
	// Applied is false when no migration has ever run.
	Applied bool
}

// Apply brings the schema up to date from migrationsDir, or from the embedded
// set when migrationsDir is empty. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	source, err := sourceFor(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrate(ctx, dsn, source, logger, func(m *migrate.Migrate) error {
		if logger != nil {
			logger.Printf("running database migrations: source=%s", source)
		}
		return record(ctx, "applied", source, logger, m.Up())
	})
}

// ApplyEmbedded applies the SQL files compiled into the binary.
func ApplyEmbedded(ctx context.Context, dsn string, logger *log.Logger) error {
	return Apply(ctx, dsn, "", logger)
}

// Rollback reverts steps migrations using the same source rules as Apply.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be > 0")
	}
	source, err := sourceFor(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrate(ctx, dsn, source, logger, func(m *migrate.Migrate) error {
		if logger != nil {
			logger.Printf("rolling back database migrations: source=%s steps=%d", source, steps)
		}
		return record(ctx, "rolled_back", source, logger, m.Steps(-steps))
	})
}

// Version reports the schema version of the database reachable via dsn.
func Version(ctx context.Context, dsn string, logger *log.Logger) (SchemaVersion, error) {
	var out SchemaVersion
	err := withMigrate(ctx, dsn, EmbeddedSource, logger, func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		out = SchemaVersion{Version: version, Dirty: dirty, Applied: true}
		return nil
	})
	return out, err
}

// record maps a golang-migrate outcome to the migrations counter. No change
// is not an error.
func record(ctx context.Context, result, source string, logger *log.Logger, err error) error {
	switch {
	case err == nil:
		recordMigrationMetric(ctx, result, source)
		if logger != nil {
			logger.Printf("database migrations %s: source=%s", strings.ReplaceAll(result, "_", " "), source)
		}
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		recordMigrationMetric(ctx, "noop", source)
		if logger != nil {
			logger.Printf("database migrations up-to-date")
		}
		return nil
	default:
		recordMigrationMetric(ctx, "failed", source)
		return fmt.Errorf("migrate %s: %w", source, err)
	}
}

func sourceFor(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return EmbeddedSource, nil
	}
	return resolveDir(dir)
}

func withMigrate(ctx context.Context, dsn, source string, logger *log.Logger, fn func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if source == EmbeddedSource {
		src, serr := iofs.New(dbmigrations.Files, ".")
		if serr != nil {
			return fmt.Errorf("open embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(fileURL(source), "pgx5", driver)
	}
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()
	return fn(m)
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, source string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("relay.persistence.migrations")
		counter, err := meter.Int64Counter("relay.db.migrations",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	if source != EmbeddedSource {
		source = "directory"
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
		attribute.String("migrations_source", source),
	))
}
