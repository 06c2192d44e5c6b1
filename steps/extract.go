package steps

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/maphilipps/dealhunter"
)

// StepExtractContent is the name of the content extraction step.
const StepExtractContent = "extract_content"

// maxExtractChars caps the retained text so downstream scoring inputs stay
// small.
const maxExtractChars = 50000

// ExtractOutput is the readable text distilled from the fetched homepage.
type ExtractOutput struct {
	Title    string `json:"title"`
	SiteName string `json:"site_name,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
	Text     string `json:"text"`
	Length   int    `json:"length"`
}

// ExtractStep distills the fetched homepage into clean, sanitized text.
type ExtractStep struct {
	policy *bluemonday.Policy
}

func NewExtractStep() *ExtractStep {
	return &ExtractStep{policy: bluemonday.StrictPolicy()}
}

func (s *ExtractStep) Definition() dealhunter.StepDefinition {
	return dealhunter.StepDefinition{
		Name:      StepExtractContent,
		Title:     "Extract content",
		Phase:     dealhunter.PhaseAnalysis,
		DependsOn: []string{StepFetchHomepage},
	}
}

func (s *ExtractStep) Execute(ctx context.Context, in dealhunter.StepInput) (any, error) {
	fetched, err := OutputAs[FetchOutput](in.Results, StepFetchHomepage)
	if err != nil {
		return nil, err
	}
	pageURL, err := url.Parse(fetched.FinalURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page URL: %w", err)
	}
	article, err := readability.FromReader(strings.NewReader(fetched.HTML), pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to extract article: %w", err)
	}

	text := s.policy.Sanitize(article.TextContent)
	if len(text) > maxExtractChars {
		text = text[:maxExtractChars]
	}
	return &ExtractOutput{
		Title:    article.Title,
		SiteName: article.SiteName,
		Excerpt:  article.Excerpt,
		Text:     text,
		Length:   len(text),
	}, nil
}
