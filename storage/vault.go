package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/esp-provisioning-station/interfaces"
)

// VaultToken reads a token from one field of a HashiCorp Vault KV v2 secret.
// It is read-only: key material is provisioned into Vault out of band.
type VaultToken struct {
	client      *api.Client
	mountPath   string
	secretPath  string
	field       string
	log         *slog.Logger
	locationURI string
}

// NewVaultToken creates a Vault token source.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount (e.g. "secret")
//   - secretPath: secret path within the mount (e.g. "esp/device-key")
//   - field: key inside the secret data holding the hex token
//   - clientCert: optional TLS client certificate; nil uses VAULT_TOKEN
func NewVaultToken(address, mountPath, secretPath, field string, clientCert *tls.Certificate, log *slog.Logger) (*VaultToken, error) {
	config := api.DefaultConfig()
	config.Address = address

	if clientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{*clientCert}},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	mountPath = strings.Trim(mountPath, "/")
	secretPath = strings.Trim(secretPath, "/")

	return &VaultToken{
		client:      client,
		mountPath:   mountPath,
		secretPath:  secretPath,
		field:       field,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s?field=%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, secretPath, field),
	}, nil
}

// newVaultTokenFromURL parses vault://host:port/mount/path/to/secret?field=key[&scheme=http][&cert=..&key=..].
func newVaultTokenFromURL(u *url.URL, log *slog.Logger) (*VaultToken, error) {
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if u.Host == "" || len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path, got %s", interfaces.ErrInvalidLocationURI, u.String())
	}

	query := u.Query()
	scheme := query.Get("scheme")
	if scheme == "" {
		scheme = "https"
	}
	field := query.Get("field")
	if field == "" {
		field = "key"
	}

	var clientCert *tls.Certificate
	if certFile := query.Get("cert"); certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, query.Get("key"))
		if err != nil {
			return nil, fmt.Errorf("failed to load Vault client certificate: %w", err)
		}
		clientCert = &cert
	}

	return NewVaultToken(fmt.Sprintf("%s://%s", scheme, u.Host), parts[0], parts[1], field, clientCert, log)
}

// Load reads the secret and returns the configured field.
func (v *VaultToken) Load(ctx context.Context) ([]byte, error) {
	start := time.Now()
	path := fmt.Sprintf("%s/data/%s", v.mountPath, v.secretPath)

	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		v.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrContentNotFound, v.locationURI)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}

	content, ok := data[v.field].(string)
	if !ok {
		return nil, fmt.Errorf("%w: field %q not found in Vault secret", interfaces.ErrContentNotFound, v.field)
	}

	v.log.Debug("Loaded token from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))

	return []byte(content), nil
}

// Save always fails.
func (v *VaultToken) Save(ctx context.Context, data []byte) error {
	return interfaces.ErrReadOnly
}

func (v *VaultToken) LocationURI() string {
	return v.locationURI
}
