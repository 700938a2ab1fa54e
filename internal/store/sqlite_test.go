package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adbroker/internal/model"
	"github.com/sells-group/adbroker/internal/retrieval"
)

func newTestSQLite(t *testing.T) *SQLiteInventory {
	t.Helper()
	s, err := NewSQLite(Config{DSN: filepath.Join(t.TempDir(), "test.db"), Dims: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedOffers() []model.UnifiedOffer {
	fresh := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return []model.UnifiedOffer{
		{
			OfferID: "house:sku:shoes", SourceNetwork: "house", SourceType: "product",
			Title: "Trail Running Shoes", Description: "Lightweight shoes for running on trails",
			TargetURL: "https://shop.example/shoes", Market: "US", Currency: "USD",
			Availability: model.AvailabilityActive, Quality: 0.8, BidHint: 2.0,
			FreshnessAt: &fresh, Tags: []string{"footwear"},
			Metadata: map[string]string{"advertiser": "Acme", "language": "en"},
		},
		{
			OfferID: "cj:link:socks", SourceNetwork: "cj", SourceType: "link",
			Title: "Running Socks", TargetURL: "https://cj.example/socks",
			Availability: model.AvailabilityUnknown, Quality: 0.5,
		},
		{
			OfferID: "house:sku:lamp", SourceNetwork: "house", SourceType: "product",
			Title: "Brass Desk Lamp", TargetURL: "https://shop.example/lamp", Market: "GB",
			Availability: model.AvailabilityActive, Quality: 0.6,
		},
	}
}

func TestSQLite_UpsertAndLexical(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	n, err := s.Upsert(ctx, seedOffers())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rows, err := s.SearchLexical(ctx, "running shoes", retrieval.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "house:sku:shoes", rows[0].Offer.OfferID)
	assert.Equal(t, "cj:link:socks", rows[1].Offer.OfferID)
	assert.Greater(t, rows[0].Score, rows[1].Score)

	got := rows[0].Offer
	assert.Equal(t, []string{"footwear"}, got.Tags)
	assert.Equal(t, "Acme", got.Metadata["advertiser"])
	require.NotNil(t, got.FreshnessAt)
	assert.Equal(t, 2026, got.FreshnessAt.Year())
}

func TestSQLite_LexicalFilters(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	_, err := s.Upsert(ctx, seedOffers())
	require.NoError(t, err)

	rows, err := s.SearchLexical(ctx, "running", retrieval.Filters{Networks: []string{"cj"}}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "cj:link:socks", rows[0].Offer.OfferID)

	// Offers without a market match any market filter.
	rows, err = s.SearchLexical(ctx, "running", retrieval.Filters{Market: "GB"}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "cj:link:socks", rows[0].Offer.OfferID)
}

func TestSQLite_LexicalEmptyQuery(t *testing.T) {
	s := newTestSQLite(t)
	rows, err := s.SearchLexical(context.Background(), "  ! ", retrieval.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLite_SearchVector(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	offers := seedOffers()
	_, err := s.Upsert(ctx, offers)
	require.NoError(t, err)

	q := retrieval.Embed(offers[2].SearchText(), 64)
	rows, err := s.SearchVector(ctx, q, retrieval.Filters{}, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "house:sku:lamp", rows[0].Offer.OfferID)
	assert.InDelta(t, 1.0, rows[0].Score, 1e-9)
}

func TestSQLite_UpsertReplaces(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	_, err := s.Upsert(ctx, seedOffers())
	require.NoError(t, err)

	updated := seedOffers()[1]
	updated.Title = "Compression Socks"
	_, err = s.Upsert(ctx, []model.UnifiedOffer{updated})
	require.NoError(t, err)

	rows, err := s.SearchLexical(ctx, "running", retrieval.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "house:sku:shoes", rows[0].Offer.OfferID)

	rows, err = s.SearchLexical(ctx, "compression", retrieval.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Compression Socks", rows[0].Offer.Title)
}

func TestSQLite_SatisfiesRetriever(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.Upsert(context.Background(), seedOffers())
	require.NoError(t, err)

	r := retrieval.New(s, retrieval.Config{Dims: 64})
	res := r.Retrieve(context.Background(), retrieval.Query{Text: "trail running shoes"})
	assert.Equal(t, retrieval.ModeHybrid, res.Debug.Mode)
	require.NotEmpty(t, res.Candidates)
	assert.Equal(t, "house:sku:shoes", res.Candidates[0].OfferID)
}

func TestOpen_SQLite(t *testing.T) {
	inv, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "open.db")})
	require.NoError(t, err)
	defer inv.Close() //nolint:errcheck
	assert.IsType(t, &SQLiteInventory{}, inv)
}
