package entity

import "time"

const (
	PlatformAppStore  = "app_store"
	PlatformPlayStore = "play_store"
)

// Receipt is the canonical, storefront-agnostic projection of a customer's
// validated subscription purchase. One row per customer; writers bump
// Version and updates are rejected when the stored version moved underneath
// them.
type Receipt struct {
	ID uint64

	CustomerID int64

	ExpireDate   time.Time
	PurchaseDate time.Time

	Amount   float64
	Currency string

	Status            string
	Reference         string
	OriginalReference string
	Platform          string
	ProductID         string

	GivesAccess bool

	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}
