package ner

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adbroker/internal/fetcher"
)

// HTTPProvider calls a remote entity-extraction service.
type HTTPProvider struct {
	client   *fetcher.Client
	endpoint fetcher.Endpoint
	apiKey   string
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(client *fetcher.Client, endpoint fetcher.Endpoint, apiKey string) *HTTPProvider {
	return &HTTPProvider{client: client, endpoint: endpoint, apiKey: apiKey}
}

// Extract implements Provider.
func (p *HTTPProvider) Extract(ctx context.Context, in Input) (Extraction, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Extraction{}, eris.Wrap(err, "ner: encode request")
	}
	header := http.Header{"Content-Type": {"application/json"}}
	if p.apiKey != "" {
		header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(ctx, p.endpoint, fetcher.Request{Method: http.MethodPost, Header: header, Body: body})
	if err != nil {
		return Extraction{}, eris.Wrap(err, "ner: extract")
	}

	var ext Extraction
	if err := json.Unmarshal(resp.Body, &ext); err != nil {
		return Extraction{}, eris.Wrap(err, "ner: decode response")
	}
	if ext.QueryEntityType == "" {
		ext.QueryEntityType = TypeUnknown
	}
	return ext, nil
}
