package depot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/cachewarden/cachewarden/iox"
)

// DefaultStorefrontURL is the public storefront metadata endpoint.
const DefaultStorefrontURL = "https://store.steampowered.com"

// DefaultLookupTimeout bounds one storefront request.
const DefaultLookupTimeout = 10 * time.Second

// DefaultMetadataTTL is how long a storefront answer stays cached.
// Misses cache too, so a delisted app is not re-queried every batch.
const DefaultMetadataTTL = time.Hour

// WebProviderConfig configures the storefront client.
type WebProviderConfig struct {
	// BaseURL overrides the storefront endpoint. Empty means the public
	// one.
	BaseURL string
	// Timeout bounds each lookup. Zero means DefaultLookupTimeout.
	Timeout time.Duration
	// TTL overrides the metadata cache lifetime. Zero means
	// DefaultMetadataTTL.
	TTL time.Duration
}

// WebProvider resolves app names and header images from the public
// storefront API.
type WebProvider struct {
	baseURL string
	client  *http.Client
	cache   *gocache.Cache
}

// NewWebProvider builds a storefront metadata client.
func NewWebProvider(config WebProviderConfig) *WebProvider {
	if config.BaseURL == "" {
		config.BaseURL = DefaultStorefrontURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultLookupTimeout
	}
	if config.TTL <= 0 {
		config.TTL = DefaultMetadataTTL
	}
	return &WebProvider{
		baseURL: config.BaseURL,
		client:  &http.Client{Timeout: config.Timeout},
		cache:   gocache.New(config.TTL, 10*time.Minute),
	}
}

type appDetailsEntry struct {
	Success bool `json:"success"`
	Data    struct {
		Name        string `json:"name"`
		HeaderImage string `json:"header_image"`
	} `json:"data"`
}

// cachedLookup distinguishes a cached miss from a cache absence.
type cachedLookup struct {
	meta AppMetadata
	err  error
}

// AppMetadata implements MetadataProvider against
// /api/appdetails?appids=N.
func (p *WebProvider) AppMetadata(ctx context.Context, appID uint32) (AppMetadata, error) {
	key := strconv.FormatUint(uint64(appID), 10)
	if hit, ok := p.cache.Get(key); ok {
		cached := hit.(cachedLookup)
		return cached.meta, cached.err
	}

	meta, err := p.fetch(ctx, appID)
	if err == nil || ctx.Err() == nil {
		p.cache.SetDefault(key, cachedLookup{meta: meta, err: err})
	}
	return meta, err
}

func (p *WebProvider) fetch(ctx context.Context, appID uint32) (AppMetadata, error) {
	url := fmt.Sprintf("%s/api/appdetails?appids=%d&filters=basic", p.baseURL, appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return AppMetadata{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return AppMetadata{}, fmt.Errorf("storefront request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return AppMetadata{}, fmt.Errorf("storefront returned status %d for app %d", resp.StatusCode, appID)
	}

	var payload map[string]appDetailsEntry
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return AppMetadata{}, fmt.Errorf("failed to decode storefront response: %w", err)
	}
	entry, ok := payload[strconv.FormatUint(uint64(appID), 10)]
	if !ok || !entry.Success {
		return AppMetadata{}, fmt.Errorf("storefront has no entry for app %d", appID)
	}
	return AppMetadata{Name: entry.Data.Name, ImageURL: entry.Data.HeaderImage}, nil
}
