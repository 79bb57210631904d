package interfaces

import "signal-hub/src/models"

// -----------------------------------------------------------------------------
// ISubscriptionStore persists subscriptions so they survive restarts.
// -----------------------------------------------------------------------------

type ISubscriptionStore interface {

	// -----------------------------------------------------------------------------

	// Initialize sets up the database schema and tables.
	Initialize() error

	// -----------------------------------------------------------------------------

	// SaveSubscription inserts or replaces one subscription.
	SaveSubscription(sub models.MSubscription) error

	// -----------------------------------------------------------------------------

	// DeleteSubscription removes one subscription by id.
	DeleteSubscription(subID string) error

	// -----------------------------------------------------------------------------

	// DeleteUserSubscriptions removes every subscription of a user.
	DeleteUserSubscriptions(userID string) error

	// -----------------------------------------------------------------------------

	// LoadSubscriptions returns every stored subscription.
	LoadSubscriptions() ([]models.MSubscription, error)

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
