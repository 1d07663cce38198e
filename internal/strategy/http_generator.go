package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/your-org/strategy-ecosystem/internal/component"
)

// HTTPGenerator asks a remote model service for candidates.
type HTTPGenerator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPGenerator creates a generator that POSTs proposals to endpoint. The
// caller's context bounds every request.
func NewHTTPGenerator(endpoint string, client *http.Client) *HTTPGenerator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGenerator{endpoint: endpoint, client: client}
}

type proposeRequest struct {
	Budget  decimal.Decimal `json:"budget"`
	History []Retirement    `json:"history"`
}

// Propose implements Generator.
func (g *HTTPGenerator) Propose(ctx context.Context, budget decimal.Decimal, history []Retirement) (component.Spec, error) {
	body, err := json.Marshal(proposeRequest{Budget: budget, History: history})
	if err != nil {
		return component.Spec{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return component.Spec{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return component.Spec{}, fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusGatewayTimeout:
		return component.Spec{}, fmt.Errorf("%w: generator returned %d", ErrGenerationUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return component.Spec{}, fmt.Errorf("generator returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var spec component.Spec
	if err := json.NewDecoder(resp.Body).Decode(&spec); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return component.Spec{}, fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
		}
		return component.Spec{}, fmt.Errorf("decode generator response: %w", err)
	}
	if spec.Name == "" {
		return component.Spec{}, errors.New("generator returned a spec without a name")
	}
	return spec, nil
}
