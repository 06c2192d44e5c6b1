package steps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maphilipps/dealhunter"
)

// StepFetchHomepage is the name of the homepage fetch step.
const StepFetchHomepage = "fetch_homepage"

// maxFetchBytes caps how much of a response body is retained.
const maxFetchBytes = 2 << 20

// FetchOutput is the raw fetch result other collect steps build on.
type FetchOutput struct {
	URL         string    `json:"url"`
	FinalURL    string    `json:"final_url"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	HTML        string    `json:"html"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// FetchStep downloads the target's homepage.
type FetchStep struct {
	client *http.Client
}

// NewFetchStep creates the step. A nil client uses the package default.
func NewFetchStep(client *http.Client) *FetchStep {
	if client == nil {
		client = defaultClient
	}
	return &FetchStep{client: client}
}

func (s *FetchStep) Definition() dealhunter.StepDefinition {
	return dealhunter.StepDefinition{
		Name:  StepFetchHomepage,
		Title: "Fetch homepage",
		Phase: dealhunter.PhaseCollect,
	}
}

func (s *FetchStep) Execute(ctx context.Context, in dealhunter.StepInput) (any, error) {
	if in.Target.URL == "" {
		return nil, fmt.Errorf("target has no URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.Target.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", in.Target.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status code %d", in.Target.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	in.Events.Publish(dealhunter.EventAgentProgress, "homepage fetched", map[string]any{
		"bytes":  len(body),
		"status": resp.StatusCode,
	})
	return &FetchOutput{
		URL:         in.Target.URL,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		HTML:        string(body),
		FetchedAt:   time.Now(),
	}, nil
}
