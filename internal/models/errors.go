package models

import "errors"

var (
	// ErrOfferExists is returned when creating an offer whose (product, seller, operation type) is already taken.
	ErrOfferExists = errors.New("offer already exists")
	// ErrProductExists is returned when creating a product whose model is already taken.
	ErrProductExists = errors.New("product already exists")
	// ErrSellerExists is returned when creating a seller whose phone is already taken.
	ErrSellerExists = errors.New("seller already exists")
	// ErrInvalidMessage wraps webhook payload validation failures.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrMessageInFlight is returned when another delivery of the same message id holds the processing lock.
	ErrMessageInFlight = errors.New("message is already being processed")
)
