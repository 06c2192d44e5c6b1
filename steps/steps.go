// Package steps provides the built-in analysis steps and pipeline presets
// for evaluating a business-development target: fetch and extract the
// target's website, detect its technology platform, scan competitors, and
// synthesize a fit score and proposal.
package steps

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/maphilipps/dealhunter"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

var defaultClient = &http.Client{Timeout: 30 * time.Second}

// OutputAs decodes a dependency's output into T. Fresh results hold the
// concrete type; results restored from a checkpoint hold generic JSON
// values, so a decode through JSON covers both.
func OutputAs[T any](results dealhunter.ResultReader, step string) (T, error) {
	var out T
	raw, ok := results.Output(step)
	if !ok {
		return out, fmt.Errorf("no output from step %q", step)
	}
	if typed, ok := raw.(T); ok {
		return typed, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return out, fmt.Errorf("failed to decode output of step %q: %w", step, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode output of step %q: %w", step, err)
	}
	return out, nil
}
