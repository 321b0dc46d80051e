package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/esp-provisioning-station/interfaces"
)

// StorageBackendFactory creates token and record stores from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageBackendFactory{log: logger}
}

// parseLocation treats anything without a scheme separator as a local path,
// so Windows paths like C:\line\serial.txt are not read as URIs.
func parseLocation(location string) (*url.URL, error) {
	if !strings.Contains(location, "://") {
		return &url.URL{Scheme: "file", Path: location}, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}
	return u, nil
}

// TokenStoreFor creates a token store from a location.
//
// Supported schemes: file (default), s3, vault (read-only).
func (sf *StorageBackendFactory) TokenStoreFor(location string) (interfaces.TokenStore, error) {
	if strings.TrimSpace(location) == "" {
		return nil, fmt.Errorf("%w: empty location", interfaces.ErrInvalidLocationURI)
	}

	u, err := parseLocation(location)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		path, err := filePath(u)
		if err != nil {
			return nil, err
		}
		sf.log.Debug("Creating file token store", slog.String("path", path))
		return NewFileToken(path), nil
	case "s3":
		cfg, err := s3ConfigFromURL(u, sf.log)
		if err != nil {
			return nil, err
		}
		sf.log.Debug("Creating S3 token store", slog.String("bucket", cfg.bucket), slog.String("key", cfg.prefix))
		return NewS3Token(cfg, sf.log)
	case "vault":
		sf.log.Debug("Creating Vault token store", slog.String("host", u.Host), slog.String("path", u.Path))
		return newVaultTokenFromURL(u, sf.log)
	default:
		return nil, fmt.Errorf("%w: unsupported token scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// RecordStoreFor creates a record store from a location URI.
//
// Supported schemes: file, s3, ipfs.
func (sf *StorageBackendFactory) RecordStoreFor(location string) (interfaces.RecordStore, error) {
	u, err := parseLocation(location)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		path, err := filePath(u)
		if err != nil {
			return nil, err
		}
		sf.log.Debug("Creating file record store", slog.String("path", path))
		return NewFileBackend(path, sf.log)
	case "s3":
		cfg, err := s3ConfigFromURL(u, sf.log)
		if err != nil {
			return nil, err
		}
		sf.log.Debug("Creating S3 record store", slog.String("bucket", cfg.bucket))
		return NewS3Backend(cfg, sf.log)
	case "ipfs":
		sf.log.Debug("Creating IPFS record store", slog.String("uri", u.String()))
		return newIPFSBackendFromURL(u, sf.log)
	default:
		return nil, fmt.Errorf("%w: unsupported record scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend creates a record store writing to every location.
// Locations that cannot be turned into a backend are logged and skipped.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []string) (interfaces.RecordStore, error) {
	backends := make([]interfaces.RecordStore, 0, len(locations))

	for _, location := range locations {
		backend, err := sf.RecordStoreFor(location)
		if err != nil {
			sf.log.Warn("Failed to create record store",
				"err", err,
				slog.String("location", location))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid record stores created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// filePath extracts a filesystem path from file:///abs, file://./rel or file://C:/path.
func filePath(u *url.URL) (string, error) {
	path := u.Path
	if u.Host != "" {
		if len(u.Host) == 2 && u.Host[1] == ':' {
			path = u.Host + path
		} else {
			path = u.Host + "/" + strings.TrimPrefix(path, "/")
		}
	}

	if path == "" {
		return "", fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, u.String())
	}
	return path, nil
}
