package storage

import (
	"database/sql"
	"fmt"

	"signal-hub/src/logger"
	"signal-hub/src/models"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

type SQLiteStore struct {
	Config *models.MConfig
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewSQLiteStore(cfg *models.MConfig, log *logger.Logger) (*SQLiteStore, error) {
	if cfg.Storage.DBPath == "" {
		return nil, fmt.Errorf("sqlite store needs a db_path")
	}
	return &SQLiteStore{
		Config: cfg,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) Initialize() error {
	dsn := d.Config.Storage.DBPath

	// Open DB
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return err
	}

	// Every connection to :memory: is a separate database
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return err
	}

	d.DB = db

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}

	return d.createTables()
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) createTables() error {
	query := `
		CREATE TABLE IF NOT EXISTS subscriptions (
			subscription_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			criteria TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := d.DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create subscriptions: %w", err)
	}

	if _, err := d.DB.Exec(`CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions (user_id)`); err != nil {
		return fmt.Errorf("failed to create subscriptions user index: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) SaveSubscription(sub models.MSubscription) error {
	criteria, err := encodeCriteria(sub.Criteria)
	if err != nil {
		return err
	}

	_, err = d.DB.Exec(`
		INSERT INTO subscriptions (subscription_id, user_id, event_type, criteria, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id) DO UPDATE SET
			user_id = excluded.user_id,
			event_type = excluded.event_type,
			criteria = excluded.criteria
	`, sub.ID, sub.UserID, sub.Criteria.EventType, criteria, sub.CreatedAt.UnixNano())
	return err
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) DeleteSubscription(subID string) error {
	_, err := d.DB.Exec("DELETE FROM subscriptions WHERE subscription_id = ?", subID)
	return err
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) DeleteUserSubscriptions(userID string) error {
	_, err := d.DB.Exec("DELETE FROM subscriptions WHERE user_id = ?", userID)
	return err
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) LoadSubscriptions() ([]models.MSubscription, error) {
	rows, err := d.DB.Query(`
		SELECT subscription_id, user_id, criteria, created_at
		FROM subscriptions
		ORDER BY created_at, subscription_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSubscriptions(rows, d.Logger)
}

// -----------------------------------------------------------------------------

func (d *SQLiteStore) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
