package firmware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"
)

// DefaultCatalogURL is where the vendor publishes available firmware images.
const DefaultCatalogURL = "https://files.senic.com/nuimo-firmware-updates.json"

var (
	// ErrCatalogMalformed means the body is not JSON or lacks the "updates" array.
	ErrCatalogMalformed = errors.New("firmware: the update meta file is invalid")
	// ErrCatalogEmpty means no entry of the "updates" array survived parsing.
	ErrCatalogEmpty = errors.New("firmware: the list of updates is empty")
	// ErrCatalogTransport is matched by every *TransportError.
	ErrCatalogTransport = errors.New("firmware: cannot retrieve firmware updates")
)

// TransportError wraps a network or HTTP failure while fetching the catalog.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("firmware: fetch catalog: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrCatalogTransport) match any TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrCatalogTransport }

// Update is one downloadable firmware image.
type Update struct {
	Version Version
	URL     *url.URL
}

// Listener receives the outcome of every Refresh.
type Listener interface {
	CatalogUpdated(updates []Update)
	CatalogFailed(err error)
}

// Catalog fetches and caches the list of available firmware updates.
// The cached list is sorted newest first. Safe for concurrent use.
type Catalog struct {
	sourceURL string
	client    *http.Client

	mu       sync.Mutex
	updates  []Update
	listener Listener
}

// NewCatalog creates a catalog that fetches from sourceURL.
// A nil client gets a default client with a 30s timeout.
func NewCatalog(sourceURL string, client *http.Client) *Catalog {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Catalog{sourceURL: sourceURL, client: client}
}

// SetListener registers the receiver of refresh notifications.
func (c *Catalog) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// Latest returns the newest update from the last successful refresh.
func (c *Catalog) Latest() (Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.updates) == 0 {
		return Update{}, false
	}
	return c.updates[0], true
}

// Updates returns a copy of the cached list, newest first.
func (c *Catalog) Updates() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Update, len(c.updates))
	copy(out, c.updates)
	return out
}

// Refresh downloads the catalog and replaces the cached list on success.
// The registered listener is notified of the outcome either way.
func (c *Catalog) Refresh(ctx context.Context) error {
	updates, err := c.fetch(ctx)

	c.mu.Lock()
	if err == nil {
		c.updates = updates
	}
	l := c.listener
	c.mu.Unlock()

	if err != nil {
		slog.Warn("[Catalog] refresh failed", "url", c.sourceURL, "error", err)
		if l != nil {
			l.CatalogFailed(err)
		}
		return err
	}

	slog.Info("[Catalog] refreshed", "url", c.sourceURL, "updates", len(updates), "latest", updates[0].Version)
	if l != nil {
		l.CatalogUpdated(updates)
	}
	return nil
}

func (c *Catalog) fetch(ctx context.Context) ([]Update, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sourceURL, nil)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Cause: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	return Parse(resp.Body)
}

// Parse decodes a catalog body of the form
//
//	{"updates": [{"version": "1.2.3", "url": "https://..."}, ...]}
//
// Entries whose version or URL do not parse are dropped. The result is
// sorted newest first.
func Parse(r io.Reader) ([]Update, error) {
	var doc struct {
		Updates []map[string]json.RawMessage `json:"updates"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogMalformed, err)
	}
	if doc.Updates == nil {
		return nil, ErrCatalogMalformed
	}

	updates := make([]Update, 0, len(doc.Updates))
	for i, entry := range doc.Updates {
		u, err := parseEntry(entry)
		if err != nil {
			slog.Debug("[Catalog] dropping entry", "index", i, "error", err)
			continue
		}
		updates = append(updates, u)
	}
	if len(updates) == 0 {
		return nil, ErrCatalogEmpty
	}

	sort.SliceStable(updates, func(i, j int) bool {
		return updates[i].Version.Greater(updates[j].Version)
	})
	return updates, nil
}

func parseEntry(entry map[string]json.RawMessage) (Update, error) {
	var versionStr, urlStr string
	if err := json.Unmarshal(entry["version"], &versionStr); err != nil {
		return Update{}, fmt.Errorf("version: %w", err)
	}
	if err := json.Unmarshal(entry["url"], &urlStr); err != nil {
		return Update{}, fmt.Errorf("url: %w", err)
	}

	version, err := ParseVersion(versionStr)
	if err != nil {
		return Update{}, err
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return Update{}, fmt.Errorf("url: %w", err)
	}
	if u.Scheme == "" {
		return Update{}, fmt.Errorf("url %q has no scheme", urlStr)
	}
	return Update{Version: version, URL: u}, nil
}
