package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"signal-hub/src/helpers"
	"signal-hub/src/interfaces"
	"signal-hub/src/logger"
	"signal-hub/src/models"
)

// -----------------------------------------------------------------------------

// NewStore builds the subscription store selected by storage.db_type and
// initializes it, retrying the connection with backoff.
func NewStore(cfg *models.MConfig, log *logger.Logger) (interfaces.ISubscriptionStore, error) {
	var (
		store interfaces.ISubscriptionStore
		err   error
	)

	switch cfg.Storage.DBType {
	case "postgres":
		store, err = NewPostgresStore(cfg, log)
	case "sqlite":
		store, err = NewSQLiteStore(cfg, log)
	case "memory":
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported db_type %q", cfg.Storage.DBType)
	}
	if err != nil {
		return nil, err
	}

	err = helpers.RetryWithBackoff(log, "subscription store connect", cfg.Storage.ConnectRetries, 500*time.Millisecond, store.Initialize)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// -----------------------------------------------------------------------------

func encodeCriteria(c models.MCriteria) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode criteria: %w", err)
	}
	return string(data), nil
}

// scanSubscriptions reads (id, user, criteria json, created_at nanos) rows.
// Rows with unreadable criteria are skipped.
func scanSubscriptions(rows *sql.Rows, log *logger.Logger) ([]models.MSubscription, error) {
	var subs []models.MSubscription
	for rows.Next() {
		var (
			sub      models.MSubscription
			criteria string
			created  int64
		)
		if err := rows.Scan(&sub.ID, &sub.UserID, &criteria, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(criteria), &sub.Criteria); err != nil {
			log.Warning("Skipping subscription %s with unreadable criteria: %v", sub.ID, err)
			continue
		}
		sub.CreatedAt = time.Unix(0, created)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
