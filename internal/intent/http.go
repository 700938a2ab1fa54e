package intent

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adbroker/internal/fetcher"
)

// HTTPProvider calls a remote intent-inference service that accepts the
// Input as JSON and answers with an Inference.
type HTTPProvider struct {
	client   *fetcher.Client
	endpoint fetcher.Endpoint
	apiKey   string
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(client *fetcher.Client, endpoint fetcher.Endpoint, apiKey string) *HTTPProvider {
	return &HTTPProvider{client: client, endpoint: endpoint, apiKey: apiKey}
}

// Infer implements Provider.
func (p *HTTPProvider) Infer(ctx context.Context, in Input) (Inference, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Inference{}, eris.Wrap(err, "intent: encode request")
	}

	header := http.Header{"Content-Type": {"application/json"}}
	if p.apiKey != "" {
		header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(ctx, p.endpoint, fetcher.Request{
		Method: http.MethodPost,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return Inference{}, eris.Wrap(err, "intent: infer")
	}

	var inf Inference
	if err := json.Unmarshal(resp.Body, &inf); err != nil {
		return Inference{}, eris.Wrap(err, "intent: decode response")
	}
	return inf, nil
}
