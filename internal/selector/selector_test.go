package selector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"Speedtest_Light_Go/internal/tester"
	"Speedtest_Light_Go/pkg/model"
)

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func TestSelectBestPicksOnlyHealthyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/good/"):
			_, _ = w.Write([]byte("test=test"))
		case strings.HasPrefix(r.URL.Path, "/wrong/"):
			_, _ = w.Write([]byte("something else"))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	servers := []model.RankedServer{
		{CandidateServer: model.CandidateServer{ID: "broken", URL: srv.URL + "/broken/upload.php"}},
		{CandidateServer: model.CandidateServer{ID: "good", URL: srv.URL + "/good/upload.php"}},
		{CandidateServer: model.CandidateServer{ID: "wrong", URL: srv.URL + "/wrong/upload.php"}},
	}
	prober := &tester.Prober{Client: srv.Client(), Now: (&stepClock{step: 5 * time.Millisecond}).Now}

	best, err := New(prober, 1).SelectBest(context.Background(), servers)
	if err != nil {
		t.Fatalf("SelectBest: %v", err)
	}
	if best.ID != "good" {
		t.Fatalf("best = %s, want good", best.ID)
	}
	if best.Latency != 5*time.Millisecond || best.FailedProbes != 0 {
		t.Fatalf("latency = %v failed = %d, want 5ms/0", best.Latency, best.FailedProbes)
	}
	if best.LatencyMicros() != 5000 {
		t.Fatalf("LatencyMicros = %f, want 5000", best.LatencyMicros())
	}
}

func TestRankMarksUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	servers := []model.RankedServer{{CandidateServer: model.CandidateServer{ID: "x", URL: srv.URL + "/x/upload.php"}}}
	ranked, err := New(tester.NewProber(srv.Client()), 2).Rank(context.Background(), servers)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if !ranked[0].Unreachable() || ranked[0].Latency != model.UnreachableLatency {
		t.Fatalf("expected unreachable, got %+v", ranked[0])
	}
}

type fakeMeasurer map[string]time.Duration

func (f fakeMeasurer) Measure(ctx context.Context, baseDir string, penalty time.Duration) (time.Duration, int) {
	if d, ok := f[baseDir]; ok {
		return d, 0
	}
	return penalty, tester.ProbeCount
}

func TestSelectBestTiesKeepInputOrder(t *testing.T) {
	m := fakeMeasurer{
		"http://a/s": 20 * time.Millisecond,
		"http://b/s": 10 * time.Millisecond,
		"http://c/s": 10 * time.Millisecond,
	}
	servers := []model.RankedServer{
		{CandidateServer: model.CandidateServer{ID: "a", URL: "http://a/s/upload.php"}},
		{CandidateServer: model.CandidateServer{ID: "b", URL: "http://b/s/upload.php"}},
		{CandidateServer: model.CandidateServer{ID: "c", URL: "http://c/s/upload.php"}},
		{CandidateServer: model.CandidateServer{ID: "d", URL: "http://d/s/upload.php"}},
	}
	ranked, err := New(m, 4).Rank(context.Background(), servers)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	got := ids(ranked)
	want := []string{"b", "c", "a", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSelectBestEmpty(t *testing.T) {
	if _, err := New(fakeMeasurer{}, 1).SelectBest(context.Background(), nil); !errors.Is(err, model.ErrNoServers) {
		t.Fatalf("err = %v, want ErrNoServers", err)
	}
}

func TestSelectBestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	servers := []model.RankedServer{{CandidateServer: model.CandidateServer{ID: "a", URL: "http://a/s/upload.php"}}}
	if _, err := New(fakeMeasurer{}, 1).SelectBest(ctx, servers); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
