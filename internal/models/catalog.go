package models

import "time"

// UnknownSellerName is stored for sellers that never reported a usable display name.
const UnknownSellerName = "Unknown"

// Product is a catalog entry keyed by its exact model string.
type Product struct {
	ID           string    `firestore:"-"`
	Model        string    `firestore:"model"`
	Manufacturer string    `firestore:"manufacturer,omitempty"`
	Description  string    `firestore:"description,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// Seller is an identity keyed by phone number.
type Seller struct {
	ID         string    `firestore:"-"`
	Phone      string    `firestore:"phone"`
	Name       string    `firestore:"name"`
	ExternalID string    `firestore:"externalID,omitempty"` // chat platform identity
	CreatedAt  time.Time `firestore:"createdAt"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}
