package connector

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sells-group/adbroker/internal/fetcher"
	"github.com/sells-group/adbroker/internal/model"
)

// CJName is the network id of Commission Junction.
const CJName = "cj"

// CJConfig configures the CJ connector.
type CJConfig struct {
	LinkBaseURL    string
	ProductBaseURL string
	Token          string
	WebsiteID      string
	// AdvertiserIDs restricts results; empty means "joined".
	AdvertiserIDs []string
	PageSize      int
}

// NewCJ returns a connector for CJ's link and product search APIs. Both
// answer in XML.
func NewCJ(client *fetcher.Client, cfg CJConfig) *Source {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	advertisers := "joined"
	if len(cfg.AdvertiserIDs) > 0 {
		advertisers = strings.Join(cfg.AdvertiserIDs, ",")
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	header.Set("Accept", "application/xml")

	build := func(p Params) fetcher.Request {
		q := url.Values{}
		q.Set("website-id", cfg.WebsiteID)
		q.Set("advertiser-ids", advertisers)
		q.Set("keywords", keywords(p))
		q.Set("records-per-page", strconv.Itoa(cfg.PageSize))
		if p.Language != "" {
			q.Set("language", p.Language)
		}
		if p.Currency != "" {
			q.Set("currency", p.Currency)
		}
		return fetcher.Request{Query: q, Header: header}
	}

	links := Branch{
		Name: "links",
		Endpoints: []fetcher.Endpoint{
			{BaseURL: cfg.LinkBaseURL, Path: "/v3/link-search"},
			{BaseURL: cfg.LinkBaseURL, Path: "/v2/link-search"},
		},
		Tags:  []string{"link"},
		Build: build,
		Map:   mapCJLink,
	}
	products := Branch{
		Name: "products",
		Endpoints: []fetcher.Endpoint{
			{BaseURL: cfg.ProductBaseURL, Path: "/v3/product-search"},
			{BaseURL: cfg.ProductBaseURL, Path: "/v2/product-search"},
		},
		Tags:  []string{"product"},
		Build: build,
		Map:   mapCJProduct,
	}

	return NewSource(CJName, client, links, products)
}

func mapCJLink(rec fetcher.Record, p Params) (model.UnifiedOffer, bool) {
	id := str(rec, "link-id", "linkid", "id")
	title := str(rec, "link-name", "name", "title")
	target := str(rec, "destination", "destination-url", "clickurl", "click-url")
	if id == "" || title == "" {
		return model.UnifiedOffer{}, false
	}

	bid, _ := num(rec, "seven-day-epc", "three-month-epc", "sale-commission")
	status := str(rec, "relationship-status", "status")
	availability := model.AvailabilityActive
	if status != "" {
		availability = model.ParseAvailability(status)
	}

	return model.UnifiedOffer{
		OfferID:       offerID(CJName, "link", id),
		SourceNetwork: CJName,
		SourceType:    "link",
		Title:         title,
		Description:   str(rec, "description", "link-description"),
		TargetURL:     target,
		TrackingURL:   str(rec, "clickurl", "click-url"),
		Market:        p.Market,
		Currency:      p.Currency,
		Availability:  availability,
		Quality:       quality(rec, "network-rank", "performance-incentive-rank"),
		BidHint:       bid,
		FreshnessAt:   when(rec, "last-updated", "promotion-start-date"),
		Tags:          list(rec, "category"),
		Metadata: metadata(
			"advertiser", str(rec, "advertiser-name"),
			"advertiser_id", str(rec, "advertiser-id"),
			"link_type", str(rec, "link-type"),
		),
	}, true
}

func mapCJProduct(rec fetcher.Record, p Params) (model.UnifiedOffer, bool) {
	id := str(rec, "ad-id", "sku", "id")
	title := str(rec, "name", "title")
	if id == "" || title == "" {
		return model.UnifiedOffer{}, false
	}

	availability := model.AvailabilityActive
	if stock := str(rec, "in-stock", "availability"); stock != "" {
		availability = model.ParseAvailability(stock)
	}
	currency := str(rec, "currency")
	if currency == "" {
		currency = p.Currency
	}
	bid, _ := num(rec, "commission", "sale-commission", "seven-day-epc")

	return model.UnifiedOffer{
		OfferID:       offerID(CJName, "product", id),
		SourceNetwork: CJName,
		SourceType:    "product",
		Title:         title,
		Description:   str(rec, "description"),
		TargetURL:     str(rec, "buy-url", "link", "url"),
		TrackingURL:   str(rec, "buy-url"),
		Market:        p.Market,
		Currency:      currency,
		Availability:  availability,
		Quality:       quality(rec, "rating"),
		BidHint:       bid,
		FreshnessAt:   when(rec, "last-updated", "creation-date"),
		Tags:          list(rec, "advertiser-category"),
		Metadata: metadata(
			"advertiser", str(rec, "advertiser-name"),
			"price", str(rec, "sale-price", "price"),
			"image_url", str(rec, "image-url"),
		),
	}, true
}

// keywords returns the query followed by any extracted keywords it does not
// already contain.
func keywords(p Params) string {
	out := strings.TrimSpace(p.Query)
	seen := strings.ToLower(out)
	for _, k := range p.Keywords {
		k = strings.TrimSpace(k)
		if k == "" || strings.Contains(seen, strings.ToLower(k)) {
			continue
		}
		out = strings.TrimSpace(out + " " + k)
		seen = strings.ToLower(out)
	}
	return out
}

// metadata builds a map from key/value pairs, skipping empty values.
func metadata(kv ...string) map[string]string {
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			out[kv[i]] = kv[i+1]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
