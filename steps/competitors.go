package steps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maphilipps/dealhunter"
)

// StepScanCompetitors is the name of the competitor scan step.
const StepScanCompetitors = "scan_competitors"

// maxCompetitorFetches caps concurrent outbound fetches during the fan-out.
const maxCompetitorFetches = 5

// CompetitorResult is the probe outcome for one competitor site.
type CompetitorResult struct {
	URL        string `json:"url"`
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
}

// CompetitorsOutput aggregates all competitor probes.
type CompetitorsOutput struct {
	Scanned   int                `json:"scanned"`
	Reachable int                `json:"reachable"`
	Results   []CompetitorResult `json:"results"`
}

// CompetitorsStep probes the competitor URLs listed in the target payload
// under "competitors". The step is optional: a target without competitors
// succeeds with an empty scan, and a failure never aborts the run.
type CompetitorsStep struct {
	client *http.Client
}

func NewCompetitorsStep(client *http.Client) *CompetitorsStep {
	if client == nil {
		client = defaultClient
	}
	return &CompetitorsStep{client: client}
}

func (s *CompetitorsStep) Definition() dealhunter.StepDefinition {
	return dealhunter.StepDefinition{
		Name:      StepScanCompetitors,
		Title:     "Scan competitors",
		Phase:     dealhunter.PhaseAnalysis,
		DependsOn: []string{StepFetchHomepage},
		Optional:  true,
	}
}

func (s *CompetitorsStep) Execute(ctx context.Context, in dealhunter.StepInput) (any, error) {
	urls := competitorURLs(in.Target)
	out := &CompetitorsOutput{Results: make([]CompetitorResult, len(urls))}
	if len(urls) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxCompetitorFetches)
	for i, url := range urls {
		g.Go(func() error {
			result := s.probe(ctx, url)
			mu.Lock()
			out.Results[i] = result
			out.Scanned++
			if result.Reachable {
				out.Reachable++
			}
			scanned := out.Scanned
			mu.Unlock()

			in.Events.Publish(dealhunter.EventAgentProgress,
				fmt.Sprintf("scanned competitor %d/%d", scanned, len(urls)),
				map[string]any{"url": url, "reachable": result.Reachable})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	in.Events.Publish(dealhunter.EventSectionComplete, "competitor scan finished", map[string]any{
		"scanned":   out.Scanned,
		"reachable": out.Reachable,
	})
	return out, nil
}

func (s *CompetitorsStep) probe(ctx context.Context, url string) CompetitorResult {
	result := CompetitorResult{URL: url}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, maxFetchBytes))
	result.StatusCode = resp.StatusCode
	result.Reachable = resp.StatusCode < 400
	result.Bytes = int(n)
	return result
}

// competitorURLs reads the "competitors" list from the target payload,
// tolerating both []string and []any shapes.
func competitorURLs(target dealhunter.Target) []string {
	raw, ok := target.Payload["competitors"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var urls []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				urls = append(urls, s)
			}
		}
		return urls
	default:
		return nil
	}
}
