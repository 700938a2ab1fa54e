package connector

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/sells-group/adbroker/internal/fetcher"
	"github.com/sells-group/adbroker/internal/model"
)

// PartnerStackName is the network id of PartnerStack.
const PartnerStackName = "partnerstack"

// PartnerStackConfig configures the PartnerStack connector.
type PartnerStackConfig struct {
	BaseURL  string
	APIKey   string
	PageSize int
}

// NewPartnerStack returns a connector for PartnerStack's marketplace
// programs and partner links.
func NewPartnerStack(client *fetcher.Client, cfg PartnerStackConfig) *Source {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	header.Set("Accept", "application/json")

	build := func(p Params) fetcher.Request {
		q := url.Values{}
		if s := keywords(p); s != "" {
			q.Set("search", s)
		}
		q.Set("limit", strconv.Itoa(cfg.PageSize))
		return fetcher.Request{Query: q, Header: header}
	}

	programs := Branch{
		Name: "programs",
		Endpoints: []fetcher.Endpoint{
			{BaseURL: cfg.BaseURL, Path: "/api/v2/marketplace/programs"},
			{BaseURL: cfg.BaseURL, Path: "/api/v1/marketplace/programs"},
		},
		Build: build,
		Map:   mapPartnerStackProgram,
	}
	links := Branch{
		Name: "links",
		Endpoints: []fetcher.Endpoint{
			{BaseURL: cfg.BaseURL, Path: "/api/v2/links"},
			{BaseURL: cfg.BaseURL, Path: "/api/v1/links"},
		},
		Build: build,
		Map:   mapPartnerStackLink,
	}

	return NewSource(PartnerStackName, client, programs, links)
}

func mapPartnerStackProgram(rec fetcher.Record, p Params) (model.UnifiedOffer, bool) {
	id := str(rec, "key", "id", "program_key")
	title := str(rec, "name", "title", "company.name")
	if id == "" || title == "" {
		return model.UnifiedOffer{}, false
	}

	availability := model.AvailabilityActive
	if status := str(rec, "status", "state"); status != "" {
		availability = model.ParseAvailability(status)
	}
	bid, _ := num(rec, "default_rate", "commission.rate", "commission", "payout")

	return model.UnifiedOffer{
		OfferID:       offerID(PartnerStackName, "program", id),
		SourceNetwork: PartnerStackName,
		SourceType:    "program",
		Title:         title,
		Description:   str(rec, "description", "summary", "tagline"),
		TargetURL:     str(rec, "url", "website", "company.website"),
		TrackingURL:   str(rec, "link", "referral_link"),
		Market:        p.Market,
		Currency:      currencyOr(str(rec, "currency"), p.Currency),
		Availability:  availability,
		Quality:       quality(rec, "rating", "score"),
		BidHint:       bid,
		FreshnessAt:   when(rec, "updated_at", "updated", "created_at"),
		Tags:          list(rec, "categories"),
		Metadata: metadata(
			"advertiser", str(rec, "company.name", "name"),
			"category", str(rec, "category"),
		),
	}, true
}

func mapPartnerStackLink(rec fetcher.Record, p Params) (model.UnifiedOffer, bool) {
	id := str(rec, "key", "id")
	title := str(rec, "name", "title", "program_name", "program.name")
	if id == "" || title == "" {
		return model.UnifiedOffer{}, false
	}

	availability := model.AvailabilityActive
	if archived, ok := lookup(rec, "archived"); ok && archived == true {
		availability = model.AvailabilityPaused
	}
	bid, _ := num(rec, "payout", "commission", "program.default_rate")

	return model.UnifiedOffer{
		OfferID:       offerID(PartnerStackName, "link", id),
		SourceNetwork: PartnerStackName,
		SourceType:    "link",
		Title:         title,
		Description:   str(rec, "description", "program.description"),
		TargetURL:     str(rec, "destination_url", "destination", "url"),
		TrackingURL:   str(rec, "link_url", "link", "url"),
		Market:        p.Market,
		Currency:      p.Currency,
		Availability:  availability,
		Quality:       quality(rec, "rating"),
		BidHint:       bid,
		FreshnessAt:   when(rec, "updated_at", "created_at"),
		Tags:          list(rec, "tags"),
		Metadata: metadata(
			"advertiser", str(rec, "program_name", "program.name", "company.name"),
			"program_key", str(rec, "program_key", "program.key"),
		),
	}, true
}

func currencyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
