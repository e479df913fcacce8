package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"Speedtest_Light_Go/internal/config"
	"Speedtest_Light_Go/pkg/model"
)

type staticCatalog struct {
	client  model.ClientInfo
	servers []model.CandidateServer
	err     error
}

func (c *staticCatalog) Fetch(ctx context.Context) (model.ClientInfo, []model.CandidateServer, error) {
	return c.client, c.servers, c.err
}

func speedtestServer(t *testing.T) *httptest.Server {
	t.Helper()
	image := bytes.Repeat([]byte{0xff}, 4096)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/good/latency.txt":
			_, _ = w.Write([]byte("test=test\n"))
		case strings.HasPrefix(r.URL.Path, "/good/random"):
			_, _ = w.Write(image)
		case r.URL.Path == "/good/upload.php" && r.Method == http.MethodPost:
			_, _ = io.Copy(io.Discard, r.Body)
			_, _ = w.Write([]byte("size=ok"))
		default:
			http.NotFound(w, r)
		}
	}))
}

func testConfig() *config.Config {
	cfg := &config.Config{
		DownloadSizes:   []int{350, 500},
		DownloadRepeats: 2,
		UploadSizes:     []int{1000},
		UploadRepeats:   3,
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	srv := speedtestServer(t)
	defer srv.Close()

	catalog := &staticCatalog{
		client: model.ClientInfo{IP: "203.0.113.1", ISP: "Test ISP", Coordinate: model.Coordinate{Lat: 0, Lon: 0}},
		servers: []model.CandidateServer{
			{ID: "bad", URL: srv.URL + "/bad/upload.php", Coordinate: model.Coordinate{Lat: 0.1, Lon: 0}},
			{ID: "good", URL: srv.URL + "/good/upload.php", Sponsor: "Good Net", Coordinate: model.Coordinate{Lat: 0.2, Lon: 0}},
			{ID: "far", URL: srv.URL + "/far/upload.php", Coordinate: model.Coordinate{Lat: 80, Lon: 0}},
		},
	}

	var (
		mu       sync.Mutex
		messages []string
	)
	runner := &Runner{
		Config:         testConfig(),
		Catalog:        catalog,
		Progress:       func(m string) { mu.Lock(); messages = append(messages, m); mu.Unlock() },
		ProbeClient:    srv.Client(),
		TransferClient: srv.Client(),
	}
	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Server.ID != "good" {
		t.Fatalf("server = %s, want good", report.Server.ID)
	}
	if report.Download.Bytes != 4*4096 || report.Download.Failed != 0 {
		t.Fatalf("unexpected download sample: %+v", report.Download)
	}
	if report.Upload.Bytes != 3000 || report.Upload.Tasks != 3 {
		t.Fatalf("unexpected upload sample: %+v", report.Upload)
	}
	if report.Client.ISP != "Test ISP" {
		t.Fatalf("unexpected client: %+v", report.Client)
	}
	want := []string{
		"步骤 1/4: 获取客户端信息和服务器列表...",
		"客户端: Test ISP (203.0.113.1)",
		"步骤 2/4: 对最近的 3 台服务器进行延迟测试...",
	}
	if len(messages) < len(want)+1 {
		t.Fatalf("too few progress messages: %q", messages)
	}
	for i, w := range want {
		if messages[i] != w {
			t.Fatalf("message %d = %q, want %q", i, messages[i], w)
		}
	}
	if !strings.HasPrefix(messages[3], "已选择服务器: Good Net () [") {
		t.Fatalf("unexpected server message %q", messages[3])
	}
}

func TestRunNoServers(t *testing.T) {
	_, err := Run(context.Background(), testConfig(), &staticCatalog{}, nil)
	if !errors.Is(err, model.ErrNoServers) {
		t.Fatalf("err = %v, want ErrNoServers", err)
	}
}

func TestRunCatalogError(t *testing.T) {
	boom := errors.New("catalog down")
	_, err := Run(context.Background(), testConfig(), &staticCatalog{err: boom}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped catalog error", err)
	}
}

func TestRunCancelled(t *testing.T) {
	srv := speedtestServer(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	catalog := &staticCatalog{servers: []model.CandidateServer{{ID: "good", URL: srv.URL + "/good/upload.php"}}}
	report, err := Run(ctx, testConfig(), catalog, nil)
	if !errors.Is(err, model.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if report != nil {
		t.Fatalf("expected no report on cancellation")
	}
}

func TestDownloadURLs(t *testing.T) {
	s := model.CandidateServer{URL: "http://speed.example:8080/speedtest/upload.php"}
	got := DownloadURLs(s, []int{350, 4000})
	want := []string{
		"http://speed.example:8080/speedtest/random350x350.jpg",
		"http://speed.example:8080/speedtest/random4000x4000.jpg",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
