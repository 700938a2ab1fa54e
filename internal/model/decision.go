package model

// DecisionResult is the terminal state of an ad request.
type DecisionResult string

const (
	ResultServed  DecisionResult = "served"
	ResultNoFill  DecisionResult = "no_fill"
	ResultBlocked DecisionResult = "blocked"
	ResultError   DecisionResult = "error"
)

// Decision is the externally meaningful outcome of the ads retrieval pipeline.
type Decision struct {
	Result       DecisionResult `json:"result"`
	Reason       string         `json:"reason"`
	ReasonDetail string         `json:"reason_detail,omitempty"`
	IntentScore  float64        `json:"intent_score"`
}

// Trigger identifies what opened the placement opportunity.
type Trigger string

const (
	TriggerAnswer   Trigger = "answer"
	TriggerFollowUp Trigger = "follow_up"
	TriggerSearch   Trigger = "search"
)

// AdRequest is one inbound placement opportunity.
type AdRequest struct {
	RequestID   string  `json:"request_id"`
	PlacementID string  `json:"placement_id"`
	SessionID   string  `json:"session_id,omitempty"`
	Trigger     Trigger `json:"trigger,omitempty"`
	Query       string  `json:"query"`
	AnswerText  string  `json:"answer_text,omitempty"`
	Market      string  `json:"market,omitempty"`
	Language    string  `json:"language,omitempty"`
	Currency    string  `json:"currency,omitempty"`
}

// Ad is the public projection of a served bid.
type Ad struct {
	AdID        string  `json:"ad_id"`
	Headline    string  `json:"headline"`
	Description string  `json:"description"`
	CTAText     string  `json:"cta_text"`
	URL         string  `json:"url"`
	TrackingURL string  `json:"tracking_url,omitempty"`
	Advertiser  string  `json:"advertiser,omitempty"`
	Network     string  `json:"network"`
	Price       float64 `json:"price"`
}

// AdResponse is the caller-facing result of the ads retrieval pipeline.
type AdResponse struct {
	RequestID string `json:"request_id"`
	Ads       []Ad   `json:"ads"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
