package interfaces

import "errors"

var (
	// ErrConfig is returned when a persisted token or a configuration value is
	// missing, unreadable or malformed. Hardware is never contacted after it.
	ErrConfig = errors.New("configuration error")

	// ErrValidation is returned when a value does not fit its fuse field.
	ErrValidation = errors.New("validation error")

	// ErrExternalTool is returned when the flashing or fuse tool fails.
	ErrExternalTool = errors.New("external tool error")

	// ErrPersistence is returned when the advanced serial cannot be written back.
	ErrPersistence = errors.New("persistence error")

	// ErrSerialOverflow is returned when the serial counter cannot be advanced.
	ErrSerialOverflow = errors.New("serial counter overflow")

	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrReadOnly is returned when saving to a token store that only supports reads.
	ErrReadOnly = errors.New("token store is read-only")
)
