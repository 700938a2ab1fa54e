package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adbroker/internal/fetcher"
	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/resilience"
	"github.com/sells-group/adbroker/internal/retrieval"
)

func testClient(network string) *fetcher.Client {
	return fetcher.NewClient(fetcher.Options{
		Network: network,
		Timeout: 2 * time.Second,
		Retry: resilience.RetryConfig{
			MaxRetries: 0,
			Sleep:      func(context.Context, time.Duration) error { return nil },
		},
	})
}

const cjLinksXML = `<?xml version="1.0" encoding="UTF-8"?>
<cj-api>
  <links total-matched="2" records-returned="2" page-number="1">
    <link>
      <advertiser-id>1001</advertiser-id>
      <advertiser-name>Trail Co</advertiser-name>
      <category>Shoes</category>
      <clickUrl>https://www.anrdoezrs.net/click-1</clickUrl>
      <description>Lightweight &amp; durable trail running shoes</description>
      <destination>https://trail.example.com/shoes</destination>
      <link-id>555</link-id>
      <link-name>Trail Running Shoes</link-name>
      <relationship-status>joined</relationship-status>
      <seven-day-epc>12.50</seven-day-epc>
      <last-updated>2024-05-01T10:00:00-0700</last-updated>
    </link>
    <link>
      <link-id></link-id>
      <link-name>Missing id</link-name>
    </link>
  </links>
</cj-api>`

const cjProductsXML = `<cj-api><products><product>
  <ad-id>9</ad-id><name>Road Shoes</name><buy-url>https://buy.example.com/9</buy-url>
  <price>89.99</price><currency>USD</currency><in-stock>yes</in-stock>
  <advertiser-name>Road Co</advertiser-name>
</product></products></cj-api>`

func TestCJ_FetchOffers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "w1", r.URL.Query().Get("website-id"))
		assert.Equal(t, "best trail shoes Nike", r.URL.Query().Get("keywords"))
		switch r.URL.Path {
		case "/v3/link-search":
			http.NotFound(w, r)
		case "/v2/link-search":
			w.Write([]byte(cjLinksXML))
		case "/v3/product-search":
			w.Write([]byte(cjProductsXML))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewCJ(testClient(CJName), CJConfig{
		LinkBaseURL:    srv.URL,
		ProductBaseURL: srv.URL,
		Token:          "tok",
		WebsiteID:      "w1",
	})
	res, err := c.FetchOffers(context.Background(), Params{
		Query:    "best trail shoes",
		Keywords: []string{"Nike"},
		Market:   "US",
		Currency: "USD",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Debug.Errors)
	assert.False(t, res.Failed())
	require.Len(t, res.Offers, 2)

	link := res.Offers[0]
	assert.Equal(t, "cj:link:555", link.OfferID)
	assert.Equal(t, CJName, link.SourceNetwork)
	assert.Equal(t, "Trail Running Shoes", link.Title)
	assert.Equal(t, "Lightweight & durable trail running shoes", link.Description)
	assert.Equal(t, "https://trail.example.com/shoes", link.TargetURL)
	assert.Equal(t, "https://www.anrdoezrs.net/click-1", link.TrackingURL)
	assert.Equal(t, model.AvailabilityActive, link.Availability)
	assert.Equal(t, 12.5, link.BidHint)
	assert.Equal(t, "Trail Co", link.Metadata["advertiser"])
	assert.Equal(t, []string{"Shoes"}, link.Tags)
	require.NotNil(t, link.FreshnessAt)
	assert.Equal(t, 2024, link.FreshnessAt.Year())

	product := res.Offers[1]
	assert.Equal(t, "cj:product:9", product.OfferID)
	assert.Equal(t, "https://buy.example.com/9", product.TargetURL)
	assert.Equal(t, "USD", product.Currency)

	assert.Equal(t, "xml:link", res.Debug.Branches["links"].Strategy)
	assert.Contains(t, res.Debug.Branches["links"].Endpoint, "/v2/link-search")
	assert.Equal(t, 2, res.Debug.Branches["links"].Records)
	assert.Equal(t, 1, res.Debug.Branches["links"].Offers)
}

func TestKeywords(t *testing.T) {
	tests := []struct {
		name string
		p    Params
		want string
	}{
		{"query only", Params{Query: " running shoes "}, "running shoes"},
		{"brand already in query", Params{Query: "best running shoes nike", Keywords: []string{"Nike"}}, "best running shoes nike"},
		{"brand appended", Params{Query: "best running shoes", Keywords: []string{"Nike", " ", "Adidas"}}, "best running shoes Nike Adidas"},
		{"keywords without query", Params{Keywords: []string{"Nike"}}, "Nike"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keywords(tt.p))
		})
	}
}

func TestPartnerStack_BranchFailureIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/marketplace/programs":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":{"items":[
				{"key":"prog_1","name":"Acme CRM","description":"<p>CRM for <b>teams</b></p>","url":"https://acme.example.com","status":"active","default_rate":"20%","updated_at":"2024-06-01T00:00:00Z","categories":[{"name":"SaaS"}],"company":{"name":"Acme"}},
				{"key":"prog_2","name":"Paused Thing","status":"paused","url":"https://p.example.com"}
			]}}`))
		case "/api/v2/links", "/api/v1/links":
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewPartnerStack(testClient(PartnerStackName), PartnerStackConfig{BaseURL: srv.URL, APIKey: "k"})
	res, err := c.FetchOffers(context.Background(), Params{Query: "crm"})
	require.NoError(t, err)

	require.Len(t, res.Offers, 2)
	assert.False(t, res.Failed())
	acme := res.Offers[0]
	assert.Equal(t, "partnerstack:program:prog_1", acme.OfferID)
	assert.Equal(t, "CRM for teams", acme.Description)
	assert.Equal(t, 20.0, acme.BidHint)
	assert.Equal(t, []string{"SaaS"}, acme.Tags)
	assert.Equal(t, "Acme", acme.Metadata["advertiser"])
	assert.Equal(t, model.AvailabilityPaused, res.Offers[1].Availability)
	assert.Equal(t, "nested:data.items", res.Debug.Branches["programs"].Strategy)

	require.Len(t, res.Debug.Errors, 1)
	assert.Equal(t, "links", res.Debug.Errors[0].Branch)
	assert.Equal(t, "http_500", res.Debug.Errors[0].Code)
	assert.Equal(t, 500, res.Debug.Errors[0].StatusCode)
	assert.False(t, res.Debug.Branches["links"].OK)
}

func TestSource_AllBranchesFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewPartnerStack(testClient(PartnerStackName), PartnerStackConfig{BaseURL: srv.URL})
	res, err := c.FetchOffers(context.Background(), Params{Query: "crm"})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Len(t, res.Debug.Errors, 2)
}

func TestSource_RecoversBranchPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"1","title":"One","url":"https://x"}]`))
	}))
	defer srv.Close()

	ok := Branch{
		Name:      "ok",
		Endpoints: []fetcher.Endpoint{{BaseURL: srv.URL, Path: "/ok"}},
		Map: func(rec fetcher.Record, _ Params) (model.UnifiedOffer, bool) {
			return model.UnifiedOffer{OfferID: str(rec, "id"), Title: str(rec, "title"), TargetURL: str(rec, "url")}, true
		},
	}
	boom := Branch{
		Name:      "boom",
		Endpoints: []fetcher.Endpoint{{BaseURL: srv.URL, Path: "/boom"}},
		Map: func(fetcher.Record, Params) (model.UnifiedOffer, bool) {
			panic("mapper bug")
		},
	}

	res, err := NewSource("test", testClient("test"), ok, boom).FetchOffers(context.Background(), Params{})
	require.NoError(t, err)
	require.Len(t, res.Offers, 1)
	assert.Equal(t, "test", res.Offers[0].SourceNetwork)
	require.Len(t, res.Debug.Errors, 1)
	assert.Equal(t, "boom", res.Debug.Errors[0].Branch)
	assert.Contains(t, res.Debug.Errors[0].Message, "mapper bug")
}

func TestSource_DedupSortAndLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"id":"c"},{"id":"a"},{"id":"b"},{"id":"a"}]}`))
	}))
	defer srv.Close()

	b := Branch{
		Name:      "items",
		Endpoints: []fetcher.Endpoint{{BaseURL: srv.URL, Path: "/"}},
		Map: func(rec fetcher.Record, _ Params) (model.UnifiedOffer, bool) {
			id := str(rec, "id")
			return model.UnifiedOffer{OfferID: id, Title: id}, true
		},
	}
	res, err := NewSource("n", testClient("n"), b).FetchOffers(context.Background(), Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Offers, 2)
	assert.Equal(t, "a", res.Offers[0].OfferID)
	assert.Equal(t, "b", res.Offers[1].OfferID)
}

func TestSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSource("n", testClient("n")).FetchOffers(ctx, Params{})
	assert.Error(t, err)
}

type staticStore struct {
	rows []retrieval.Row
	err  error
}

func (s staticStore) SearchLexical(context.Context, string, retrieval.Filters, int) ([]retrieval.Row, error) {
	return s.rows, s.err
}

func (s staticStore) SearchVector(context.Context, []float64, retrieval.Filters, int) ([]retrieval.Row, error) {
	return s.rows, s.err
}

func TestHouse_FetchOffers(t *testing.T) {
	rows := []retrieval.Row{
		{Offer: model.UnifiedOffer{OfferID: "h1", SourceNetwork: HouseName, Title: "House shoes"}, Score: 0.8},
	}
	h := NewHouse(retrieval.New(staticStore{rows: rows}, retrieval.Config{}))

	res, err := h.FetchOffers(context.Background(), Params{Query: "shoes"})
	require.NoError(t, err)
	require.Len(t, res.Offers, 1)
	assert.Equal(t, "h1", res.Offers[0].OfferID)
	assert.Equal(t, retrieval.ModeHybrid, res.Debug.Branches["inventory"].Strategy)
	assert.Empty(t, res.Debug.Errors)
}

func TestHouse_StoreDown(t *testing.T) {
	h := NewHouse(retrieval.New(staticStore{err: errors.New("dial tcp: refused")}, retrieval.Config{}))

	res, err := h.FetchOffers(context.Background(), Params{Query: "shoes"})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	require.Len(t, res.Debug.Errors, 1)
	assert.Equal(t, retrieval.ModeStoreUnavailable, res.Debug.Errors[0].Code)
}

type stubConnector struct {
	name   string
	offers []model.UnifiedOffer
	err    error
	failed bool
}

func (s stubConnector) Name() string { return s.name }

func (s stubConnector) FetchOffers(context.Context, Params) (Result, error) {
	if s.err != nil {
		return Result{}, s.err
	}
	res := Result{Offers: s.offers, Debug: Debug{Network: s.name}}
	if s.failed {
		res.Debug.Errors = []ErrorEntry{{Code: "http_503"}}
	}
	return res, nil
}

func TestLiveSweep(t *testing.T) {
	a := stubConnector{name: "a", offers: []model.UnifiedOffer{{OfferID: "2"}, {OfferID: "1"}}}
	b := stubConnector{name: "b", failed: true}
	c := stubConnector{name: "c", offers: []model.UnifiedOffer{{OfferID: "1"}, {OfferID: "3"}}}

	offers, err := NewLiveSweep(nil, resilience.HealthPolicy{}, a, b, c).Sweep(context.Background(), retrieval.Query{Text: "x"})
	require.NoError(t, err)
	require.Len(t, offers, 3)
	assert.Equal(t, "1", offers[0].OfferID)
	assert.Equal(t, "3", offers[2].OfferID)

	offers, err = NewLiveSweep(nil, resilience.HealthPolicy{}, a, b, c).Sweep(context.Background(), retrieval.Query{
		Filters: retrieval.Filters{Networks: []string{"c"}},
	})
	require.NoError(t, err)
	assert.Len(t, offers, 2)

	_, err = NewLiveSweep(nil, resilience.HealthPolicy{}, b, stubConnector{name: "d", err: errors.New("boom")}).Sweep(context.Background(), retrieval.Query{})
	assert.Error(t, err)
}

func TestLiveSweep_HealthGated(t *testing.T) {
	monitor := resilience.NewMonitor()
	policy := resilience.HealthPolicy{FailureThreshold: 2}
	a := stubConnector{name: "a", offers: []model.UnifiedOffer{{OfferID: "1"}}}
	b := stubConnector{name: "b", failed: true}
	c := stubConnector{name: "c", offers: []model.UnifiedOffer{{OfferID: "3"}}}

	monitor.RecordFailure("c", errors.New("boom"), policy)
	monitor.RecordFailure("c", errors.New("boom"), policy)
	require.True(t, monitor.ShouldSkipFetch("c", policy).Skip)

	offers, err := NewLiveSweep(monitor, policy, a, b, c).Sweep(context.Background(), retrieval.Query{Text: "x"})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "1", offers[0].OfferID)

	assert.Equal(t, resilience.StatusHealthy, monitor.GetHealth("a").Status)
	assert.Equal(t, 1, monitor.GetHealth("b").ConsecutiveFailures)
	assert.Equal(t, resilience.StatusOpen, monitor.GetHealth("c").Status)

	_, err = NewLiveSweep(monitor, policy, c).Sweep(context.Background(), retrieval.Query{Text: "x"})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubConnector{name: "partnerstack"}, stubConnector{name: "cj"})
	assert.Equal(t, []string{"cj", "partnerstack"}, r.Names())

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "cj", list[0].Name())

	sel := r.Select([]string{"partnerstack", "missing", "partnerstack"})
	require.Len(t, sel, 1)
	assert.Equal(t, "partnerstack", sel[0].Name())
	assert.Len(t, r.Select(nil), 2)

	_, ok := r.Get("cj")
	assert.True(t, ok)
}
