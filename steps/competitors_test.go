package steps

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maphilipps/dealhunter"
)

func TestCompetitorsStep(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()

		switch r.URL.Path {
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Write([]byte("<html>competitor</html>"))
		}
	}))
	defer server.Close()

	step := NewCompetitorsStep(server.Client())

	t.Run("probes every listed competitor", func(t *testing.T) {
		events := &recordingPublisher{}
		out, err := step.Execute(context.Background(), dealhunter.StepInput{
			Target: dealhunter.Target{ID: "t1", Payload: map[string]any{
				"competitors": []string{
					server.URL + "/a",
					server.URL + "/down",
					server.URL + "/c",
				},
			}},
			Events: events,
		})
		require.NoError(t, err)
		scan := out.(*CompetitorsOutput)
		require.Equal(t, 3, scan.Scanned)
		require.Equal(t, 2, scan.Reachable)
		require.Len(t, scan.Results, 3)

		// Results keep the input order regardless of completion order.
		require.Equal(t, server.URL+"/a", scan.Results[0].URL)
		require.True(t, scan.Results[0].Reachable)
		require.Equal(t, server.URL+"/down", scan.Results[1].URL)
		require.False(t, scan.Results[1].Reachable)
		require.Equal(t, 503, scan.Results[1].StatusCode)

		kinds := events.kinds()
		require.Equal(t, dealhunter.EventSectionComplete, kinds[len(kinds)-1])
	})

	t.Run("fan-out stays within its limit", func(t *testing.T) {
		var urls []any
		for i := 0; i < 20; i++ {
			urls = append(urls, server.URL+"/a")
		}
		_, err := step.Execute(context.Background(), dealhunter.StepInput{
			Target: dealhunter.Target{ID: "t1", Payload: map[string]any{"competitors": urls}},
			Events: &recordingPublisher{},
		})
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		require.LessOrEqual(t, peak, maxCompetitorFetches)
	})

	t.Run("unreachable host is recorded, not fatal", func(t *testing.T) {
		out, err := step.Execute(context.Background(), dealhunter.StepInput{
			Target: dealhunter.Target{ID: "t1", Payload: map[string]any{
				"competitors": []string{"http://127.0.0.1:1/"},
			}},
			Events: &recordingPublisher{},
		})
		require.NoError(t, err)
		scan := out.(*CompetitorsOutput)
		require.Equal(t, 1, scan.Scanned)
		require.Equal(t, 0, scan.Reachable)
		require.NotEmpty(t, scan.Results[0].Error)
	})

	t.Run("no competitors is an empty success", func(t *testing.T) {
		out, err := step.Execute(context.Background(), dealhunter.StepInput{
			Target: dealhunter.Target{ID: "t1"},
			Events: &recordingPublisher{},
		})
		require.NoError(t, err)
		scan := out.(*CompetitorsOutput)
		require.Zero(t, scan.Scanned)
		require.Empty(t, scan.Results)
	})
}
