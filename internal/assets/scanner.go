package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/rs/zerolog"
)

type scanResponse struct {
	Models []puppet.Descriptor `json:"models"`
}

// Scanner lists models from a remote scan endpoint. Everything it returns
// is marked remote.
type Scanner struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

func NewScanner(endpoint string, client *http.Client, logger zerolog.Logger) *Scanner {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Scanner{
		endpoint: endpoint,
		client:   client,
		log:      logger.With().Str("component", "scanner").Logger(),
	}
}

func (s *Scanner) List(ctx context.Context) ([]puppet.Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, &FetchError{Model: "scan", URL: s.endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &FetchError{Model: "scan", URL: s.endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FetchError{
			Model: "scan",
			URL:   s.endpoint,
			Err:   fmt.Errorf("status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var out scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &FetchError{Model: "scan", URL: s.endpoint, Err: fmt.Errorf("decode: %w", err)}
	}

	base, _ := url.Parse(s.endpoint)
	models := make([]puppet.Descriptor, 0, len(out.Models))
	for _, d := range out.Models {
		if err := d.Validate(); err != nil {
			s.log.Warn().Err(err).Msg("Skipping invalid scan entry")
			continue
		}
		d.Origin = puppet.OriginRemote
		if base != nil {
			if ref, err := url.Parse(d.Source); err == nil {
				d.Source = base.ResolveReference(ref).String()
			}
		}
		models = append(models, d)
	}

	s.log.Debug().Int("models", len(models)).Msg("Scan complete")
	return models, nil
}
