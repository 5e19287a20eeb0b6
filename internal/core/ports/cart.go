package ports

import (
	"context"

	"carebridge/internal/core/domain"
)

type CartStore interface {
	ListLines(ctx context.Context, cartID domain.CartID) ([]domain.CartLine, error)
	// UpdateShippingSpeed sets speed on every listed line of the cart.
	UpdateShippingSpeed(ctx context.Context, cartID domain.CartID, lineIDs []domain.LineID, speed domain.ShippingSpeed) error
}

type RateSource interface {
	FetchRates(ctx context.Context, pharmacy domain.PharmacyID) (domain.RateTable, error)
}

// CartChangeFeed pushes row-level changes of one cart.
type CartChangeFeed interface {
	Subscribe(ctx context.Context, cartID domain.CartID, handler func(domain.CartChange)) (Subscription, error)
}

type Subscription interface {
	Close() error
}

// Notifier surfaces non-blocking warnings to the user (toasts).
type Notifier interface {
	Warn(ctx context.Context, cartID domain.CartID, message string)
}

// Locker serializes work across replicas. Unlock is a no-op once the lock
// has expired.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// VisitLog records visit bookkeeping owned by an external system.
type VisitLog interface {
	RecordJoined(ctx context.Context, session domain.Session) error
	RecordLeft(ctx context.Context, session domain.Session) error
}
