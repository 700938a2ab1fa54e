package model

// Pricing carries the economic components behind a bid.
type Pricing struct {
	BidHint         float64 `json:"bid_hint"`
	RankScore       float64 `json:"rank_score"`
	EconomicScore   float64 `json:"economic_score"`
	ExpectedRevenue float64 `json:"expected_revenue"`
	Currency        string  `json:"currency,omitempty"`
	Model           string  `json:"model,omitempty"`
}

// Bid is a priced ad creative, either synthesized from a winning candidate
// or returned directly by a bidder.
type Bid struct {
	BidID       string  `json:"bid_id"`
	Price       float64 `json:"price"`
	Advertiser  string  `json:"advertiser,omitempty"`
	Headline    string  `json:"headline"`
	Description string  `json:"description"`
	CTAText     string  `json:"cta_text"`
	URL         string  `json:"url"`
	DSP         string  `json:"dsp"`
	Placement   string  `json:"placement,omitempty"`
	Pricing     Pricing `json:"pricing"`
}

// Usable reports whether the bid can be served.
func (b *Bid) Usable() bool {
	return b != nil && b.Price > 0 && b.URL != ""
}
