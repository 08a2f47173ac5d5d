package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dnc-compliance-engine/internal/infrastructure/telemetry"
)

var migrationNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status, create")
		name       = flag.String("name", "", "Migration name (for create action)")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, cfg, *action, *name, *steps); err != nil {
		logger.Error("migration failed", zap.String("action", *action), zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg *config.Config, action, name string, steps int) error {
	dir := cfg.Database.MigrationsPath

	// create only touches the filesystem
	if action == "create" {
		files, err := createMigration(dir, name, time.Now())
		if err != nil {
			return err
		}
		logger.Info("created migration", zap.Strings("files", files))
		return nil
	}

	if cfg.Database.URL == "" {
		return errors.New("database.url is required (set DNC_DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db, dir, logger)
	if err != nil {
		return err
	}
	defer migrator.Close()

	switch action {
	case "up":
		return migrator.Up(steps)
	case "down":
		return migrator.Down(steps)
	case "status":
		return migrator.Status()
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// Migrator applies the SQL migrations in a directory with golang-migrate
type Migrator struct {
	m      *migrate.Migrate
	logger *zap.Logger
}

// NewMigrator binds the migrations in dir to db
func NewMigrator(db *sql.DB, dir string, logger *zap.Logger) (*Migrator, error) {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations from %s: %w", abs, err)
	}
	return &Migrator{m: m, logger: logger}, nil
}

// Up applies steps pending migrations, or all of them when steps is 0
func (mg *Migrator) Up(steps int) error {
	var err error
	if steps > 0 {
		err = mg.m.Steps(steps)
	} else {
		err = mg.m.Up()
	}
	return mg.report("up", err)
}

// Down rolls back steps migrations, or all of them when steps is 0
func (mg *Migrator) Down(steps int) error {
	var err error
	if steps > 0 {
		err = mg.m.Steps(-steps)
	} else {
		err = mg.m.Down()
	}
	return mg.report("down", err)
}

// Status logs the current schema version
func (mg *Migrator) Status() error {
	version, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		mg.logger.Info("no migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	mg.logger.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// Version returns the applied schema version
func (mg *Migrator) Version() (uint, bool, error) {
	return mg.m.Version()
}

// Close releases the source and database handles
func (mg *Migrator) Close() {
	srcErr, dbErr := mg.m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		mg.logger.Warn("failed to close migrator", zap.Error(err))
	}
}

func (mg *Migrator) report(direction string, err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		mg.logger.Info("no migrations to apply", zap.String("direction", direction))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}

	version, dirty, verr := mg.m.Version()
	if errors.Is(verr, migrate.ErrNilVersion) {
		mg.logger.Info("migrations completed", zap.String("direction", direction), zap.Uint("version", 0))
		return nil
	}
	mg.logger.Info("migrations completed",
		zap.String("direction", direction),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}

// createMigration writes an empty up/down pair named in golang-migrate's
// timestamp layout
func createMigration(dir, name string, now time.Time) ([]string, error) {
	if !migrationNamePattern.MatchString(name) {
		return nil, fmt.Errorf("migration name must match %s", migrationNamePattern)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create migrations directory: %w", err)
	}

	base := fmt.Sprintf("%s_%s", now.UTC().Format("20060102150405"), name)
	files := make([]string, 0, 2)
	for _, direction := range []string{"up", "down"} {
		path := filepath.Join(dir, fmt.Sprintf("%s.%s.sql", base, direction))
		content := fmt.Sprintf("-- %s (%s)\n-- Created at: %s\n\n", name, direction, now.UTC().Format(time.RFC3339))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		files = append(files, path)
	}
	return files, nil
}
