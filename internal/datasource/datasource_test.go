package datasource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"Speedtest_Light_Go/internal/config"

	st "github.com/showwin/speedtest-go/speedtest"
)

const serversDoc = `
client:
  ip: 203.0.113.7
  isp: Example ISP
  lat: 52.52
  lon: 13.405
servers:
  - id: "1"
    url: http://berlin.example/speedtest/upload.php
    name: Berlin
    country: Germany
    sponsor: Example Net
    lat: 52.52
    lon: 13.40
  - id: "2"
    url: ""
    name: Missing URL
  - id: "3"
    url: http://hamburg.example/speedtest/upload.php
    name: Hamburg
    lat: 53.55
    lon: 9.99
`

func TestFileCatalogFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte(serversDoc), 0644); err != nil {
		t.Fatal(err)
	}

	client, servers, err := (&File{Path: path}).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if client.ISP != "Example ISP" || client.Lat != 52.52 || client.Lon != 13.405 {
		t.Fatalf("unexpected client: %+v", client)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[1].Name != "Hamburg" || servers[1].Lat != 53.55 {
		t.Fatalf("unexpected server: %+v", servers[1])
	}
}

func TestFileCatalogFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(serversDoc))
	}))
	defer srv.Close()

	_, servers, err := (&File{Path: srv.URL + "/servers.yaml"}).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
}

func TestFileCatalogMissing(t *testing.T) {
	if _, _, err := (&File{Path: filepath.Join(t.TempDir(), "nope.yaml")}).Fetch(context.Background()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

type fakeAPI struct {
	user    *st.User
	servers st.Servers
	err     error
}

func (f *fakeAPI) FetchUserInfoContext(ctx context.Context) (*st.User, error) {
	return f.user, f.err
}

func (f *fakeAPI) FetchServerListContext(ctx context.Context) (st.Servers, error) {
	return f.servers, nil
}

func TestSpeedtestNetConvertsRecords(t *testing.T) {
	api := &fakeAPI{
		user: &st.User{IP: "198.51.100.1", Lat: "48.85", Lon: "2.35", Isp: "Paris Telecom"},
		servers: st.Servers{
			{ID: "10", URL: "http://paris.example/speedtest/upload.php", Lat: "48.86", Lon: "2.34", Name: "Paris", Sponsor: "Sponsor A", Country: "France"},
			{ID: "11", URL: "http://broken.example/upload.php", Lat: "n/a", Lon: "2.34"},
			nil,
		},
	}
	client, servers, err := (&SpeedtestNet{api: api}).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if client.ISP != "Paris Telecom" || client.Lat != 48.85 {
		t.Fatalf("unexpected client: %+v", client)
	}
	if len(servers) != 1 || servers[0].ID != "10" || servers[0].Lon != 2.34 {
		t.Fatalf("unexpected servers: %+v", servers)
	}
}

func TestSpeedtestNetUserError(t *testing.T) {
	boom := errors.New("boom")
	if _, _, err := (&SpeedtestNet{api: &fakeAPI{err: boom}}).Fetch(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}

func TestNewCatalog(t *testing.T) {
	c, err := NewCatalog(&config.Config{Source: config.SourceFile, ServersFile: "x.yaml"})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if f, ok := c.(*File); !ok || f.Path != "x.yaml" {
		t.Fatalf("unexpected catalog %T", c)
	}
	if _, err := NewCatalog(&config.Config{Source: "gopher"}); err == nil {
		t.Fatalf("expected error for unknown source")
	}
}
