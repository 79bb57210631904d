package storage

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"signal-hub/src/logger"
	"signal-hub/src/models"

	_ "github.com/lib/pq"
)

var unsafeSchemaChars = regexp.MustCompile(`[^a-z0-9_]`)

// -----------------------------------------------------------------------------

type PostgresStore struct {
	Config *models.MConfig
	DB     *sql.DB
	Schema string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

// NewPostgresStore keeps its tables in a schema named after the application.
func NewPostgresStore(cfg *models.MConfig, log *logger.Logger) (*PostgresStore, error) {
	if cfg.Storage.DBConnectionString == "" {
		return nil, fmt.Errorf("postgres store needs a db_connection_string")
	}
	schema := unsafeSchemaChars.ReplaceAllString(strings.ToLower(cfg.Name), "_")
	if schema == "" {
		schema = "signal_hub"
	}

	return &PostgresStore{
		Config: cfg,
		Schema: schema,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) Initialize() error {
	dsn := d.Config.Storage.DBConnectionString
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}

	d.DB = db

	// Create Schema
	if _, err := d.DB.Exec(fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, d.Schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", d.Schema, err)
	}

	if err := d.createTables(); err != nil {
		return err
	}

	d.Logger.Info("PostgresStore initialized successfully (Schema: %s)", d.Schema)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) table() string {
	return fmt.Sprintf(`"%s"."subscriptions"`, d.Schema)
}

func (d *PostgresStore) createTables() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			subscription_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			criteria JSONB NOT NULL,
			created_at BIGINT NOT NULL
		);
	`, d.table())
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create subscriptions: %w", err)
	}

	query = fmt.Sprintf(`CREATE INDEX IF NOT EXISTS subscriptions_user_idx ON %s (user_id)`, d.table())
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create subscriptions user index: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) SaveSubscription(sub models.MSubscription) error {
	criteria, err := encodeCriteria(sub.Criteria)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (subscription_id, user_id, event_type, criteria, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subscription_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			event_type = EXCLUDED.event_type,
			criteria = EXCLUDED.criteria
	`, d.table())
	_, err = d.DB.Exec(query, sub.ID, sub.UserID, sub.Criteria.EventType, criteria, sub.CreatedAt.UnixNano())
	return err
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) DeleteSubscription(subID string) error {
	_, err := d.DB.Exec(fmt.Sprintf(`DELETE FROM %s WHERE subscription_id = $1`, d.table()), subID)
	return err
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) DeleteUserSubscriptions(userID string) error {
	_, err := d.DB.Exec(fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, d.table()), userID)
	return err
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) LoadSubscriptions() ([]models.MSubscription, error) {
	rows, err := d.DB.Query(fmt.Sprintf(`
		SELECT subscription_id, user_id, criteria::text, created_at
		FROM %s
		ORDER BY created_at, subscription_id
	`, d.table()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSubscriptions(rows, d.Logger)
}

// -----------------------------------------------------------------------------

func (d *PostgresStore) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
