package appliance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
)

// BlobPutter is the subset of the blob store the media fetcher needs.
type BlobPutter interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// MediaFetcher downloads referenced binary assets from the appliance over
// the authenticated channel and persists them to blob storage under a
// deterministic key, producing a stable local reference.
type MediaFetcher struct {
	client *Client
	blobs  BlobPutter
	// Category is the key prefix for stored captures.
	Category string
}

func NewMediaFetcher(client *Client, blobs BlobPutter) *MediaFetcher {
	return &MediaFetcher{
		client:   client,
		blobs:    blobs,
		Category: "captures",
	}
}

// Fetch downloads the file at the vendor path and stores it in the blob
// store. It returns the blob key the detection field should be rewritten to.
func (m *MediaFetcher) Fetch(ctx context.Context, vendorPath string) (string, error) {
	if vendorPath == "" {
		return "", fmt.Errorf("empty vendor path")
	}

	u := m.client.baseURL + "/cgi-bin/RPC_Loadfile" + vendorPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build media request: %w", err)
	}

	resp, err := m.client.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media %s: %w", vendorPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch media %s: status %d", vendorPath, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read media %s: %w", vendorPath, err)
	}

	key := m.Category + "/" + path.Base(vendorPath)
	if err := m.blobs.PutObject(ctx, key, data, "image/jpeg"); err != nil {
		return "", fmt.Errorf("store media %s: %w", key, err)
	}
	return key, nil
}
