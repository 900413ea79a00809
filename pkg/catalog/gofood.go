// Package catalog adapts the GoFood consumer API into the session's
// merchant model: restaurant URL validation, menu fetching, and parsing
// of the nested card payload into flat menu items.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/gruporder/gruporder/pkg/logger"
	"github.com/gruporder/gruporder/pkg/models"
)

const (
	defaultBaseURL = "https://api.gojekapi.com/gofood/consumer/v5/restaurants"

	// defaultLocation is the picked_loc sent with every menu request,
	// Jakarta coordinates.
	defaultLocation = "-6.2032022,106.715"

	defaultFetchTimeout = 15 * time.Second
)

// ErrInvalidURL reports a link that is not a GoFood restaurant or brand
// URL.
var ErrInvalidURL = errors.New("catalog: not a valid gofood url")

var (
	restaurantURLPattern = regexp.MustCompile(`(?i)^https://gofood\.co\.id/[^/]+/restaurant/[^/]+-[a-f0-9-]{36}$`)
	restaurantIDPattern  = regexp.MustCompile(`(?i)/restaurant/[^/]*-([a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12})`)
	brandIDPattern       = regexp.MustCompile(`(?i)/restaurants/brand/([a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12})`)
)

// IsValidRestaurantURL reports whether url is a shareable GoFood
// restaurant page URL.
func IsValidRestaurantURL(link string) bool {
	return restaurantURLPattern.MatchString(link)
}

// ExtractRestaurantID pulls the restaurant UUID out of a GoFood
// restaurant or brand URL.
func ExtractRestaurantID(link string) (string, error) {
	if m := restaurantIDPattern.FindStringSubmatch(link); m != nil {
		return m[1], nil
	}
	if m := brandIDPattern.FindStringSubmatch(link); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidURL, link)
}

// Fetcher calls the GoFood consumer API.
type Fetcher struct {
	baseURL   string
	authToken string
	location  string
	client    *http.Client
	logger    logger.Logger
}

// NewFetcher builds a fetcher. authToken is the bearer token for the
// consumer API; an empty token sends unauthenticated requests, which
// the API rejects, so this is only useful in tests with a fake server.
func NewFetcher(authToken string, log logger.Logger) *Fetcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Fetcher{
		baseURL:   defaultBaseURL,
		authToken: authToken,
		location:  defaultLocation,
		client:    &http.Client{Timeout: defaultFetchTimeout},
		logger:    log,
	}
}

// WithBaseURL points the fetcher at a different API host (tests).
func (f *Fetcher) WithBaseURL(base string) *Fetcher {
	f.baseURL = base
	return f
}

// apiURL converts a restaurant ID into the consumer API endpoint.
func (f *Fetcher) apiURL(restaurantID string) string {
	return f.baseURL + "/" + restaurantID + "?picked_loc=" + url.QueryEscape(f.location)
}

// FetchMerchant resolves a GoFood URL and fetches the full merchant
// payload.
func (f *Fetcher) FetchMerchant(ctx context.Context, gofoodURL string) (*MerchantPayload, error) {
	restaurantID, err := ExtractRestaurantID(gofoodURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.apiURL(restaurantID), nil)
	if err != nil {
		return nil, err
	}
	if f.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.authToken)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Location", f.location)
	req.Header.Set("Gojek-Country-Code", "ID")
	req.Header.Set("Gojek-Timezone", "Asia/Jakarta")
	req.Header.Set("X-User-Locale", "id_ID")
	req.Header.Set("Accept-Language", "id-ID")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch failed for %s: %w", restaurantID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: api returned status %d for %s", resp.StatusCode, restaurantID)
	}

	var payload MerchantPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("catalog: failed to decode merchant payload: %w", err)
	}
	return &payload, nil
}

// MerchantPayload is the subset of the consumer API response the app
// uses. The full document is stored opaquely in Merchant.MenuData; this
// shape only drives parsing.
type MerchantPayload struct {
	Success bool `json:"success"`
	Data    struct {
		Page struct {
			Title            string `json:"title"`
			RestaurantDetail struct {
				ID       string `json:"id"`
				Name     string `json:"name"`
				Address  string `json:"address"`
				Cuisines string `json:"cuisines"`
			} `json:"restaurant_detail"`
		} `json:"page"`
		Cards []Card `json:"cards"`
	} `json:"data"`
}

// Card is one section of the merchant page. Menu sections carry items;
// other card templates (banners, info) carry none and are skipped.
type Card struct {
	CardID       string `json:"card_id"`
	CardTemplate string `json:"card_template"`
	Navigation   *struct {
		Title string `json:"title"`
	} `json:"navigation,omitempty"`
	Content struct {
		Title string        `json:"title"`
		Items []PayloadItem `json:"items,omitempty"`
	} `json:"content"`
}

// PayloadItem is one menu entry inside a card. Price is whole currency
// units (rupiah).
type PayloadItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Price       int    `json:"price"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
	Image       string `json:"image,omitempty"`
}

// RestaurantName returns the display name from the payload.
func (p *MerchantPayload) RestaurantName() string {
	if name := p.Data.Page.RestaurantDetail.Name; name != "" {
		return name
	}
	return p.Data.Page.Title
}

// MenuItems flattens the card sections into menu items for merchantID.
// The category is the card's navigation title, falling back to the
// content title. Inactive items are dropped.
func (p *MerchantPayload) MenuItems(merchantID models.MerchantID) []models.MenuItem {
	var items []models.MenuItem
	for _, card := range p.Data.Cards {
		category := card.Content.Title
		if card.Navigation != nil && card.Navigation.Title != "" {
			category = card.Navigation.Title
		}
		for _, item := range card.Content.Items {
			if !item.Active {
				continue
			}
			items = append(items, models.MenuItem{
				ID:          item.ID,
				Name:        item.Name,
				Price:       item.Price,
				Description: item.Description,
				Image:       item.Image,
				Category:    category,
				MerchantID:  merchantID,
			})
		}
	}
	return items
}
