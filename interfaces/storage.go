package interfaces

import "context"

// TokenStore holds a single text token such as the serial counter or the key.
type TokenStore interface {
	// Load returns the raw token bytes.
	Load(ctx context.Context) ([]byte, error)

	// Save overwrites the token.
	Save(ctx context.Context, data []byte) error

	// LocationURI identifies the store in logs and records.
	LocationURI() string
}

// RecordStore provides content-addressed storage for provisioning records.
type RecordStore interface {
	// Fetch retrieves a record by content ID.
	Fetch(ctx context.Context, id ContentID) ([]byte, error)

	// Store saves a record and returns its content ID.
	Store(ctx context.Context, data []byte) (ContentID, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns a short identifier for logs.
	Name() string

	// LocationURI returns the URI that identifies this backend.
	LocationURI() string
}
