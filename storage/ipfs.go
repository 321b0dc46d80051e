package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/esp-provisioning-station/interfaces"
)

// IPFSBackend stores records in an IPFS node. Each record is added to IPFS
// and linked into the node's MFS under dir by its content ID, so it can be
// fetched back without knowing its CID.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	dir         string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates an IPFS record store using the node API at host:port.
func NewIPFSBackend(host, port, dir string, timeout time.Duration, log *slog.Logger) *IPFSBackend {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	return &IPFSBackend{
		shell:       sh,
		host:        host,
		port:        port,
		dir:         "/" + strings.Trim(dir, "/"),
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/?dir=%s", apiURL, dir),
	}
}

// newIPFSBackendFromURL parses ipfs://host:port/?dir=/esp-records&timeout=30s.
func newIPFSBackendFromURL(u *url.URL, log *slog.Logger) (*IPFSBackend, error) {
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := u.Port()
	if port == "" {
		port = "5001"
	}

	query := u.Query()
	dir := query.Get("dir")
	if dir == "" {
		dir = "/esp-records"
	}

	timeout := 30 * time.Second
	if t := query.Get("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout: %v", interfaces.ErrInvalidLocationURI, err)
		}
		timeout = d
	}

	return NewIPFSBackend(host, port, dir, timeout, log), nil
}

// Fetch reads a record back from MFS.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	if !b.shell.IsUp() {
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, b.recordPath(id))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to fetch record from IPFS: %w", err)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// Store writes the record into MFS and returns its content ID.
func (b *IPFSBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	err := b.shell.FilesWrite(ctx, b.recordPath(id), bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write record to IPFS: %w", err)
	}

	b.log.Debug("Stored record in IPFS",
		slog.String("content_id", id.String()),
		slog.String("path", b.recordPath(id)),
		slog.Duration("duration", time.Since(start)))

	return id, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) recordPath(id interfaces.ContentID) string {
	return path.Join(b.dir, id.String()+".json")
}
