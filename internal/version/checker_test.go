package version

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInfoInitialState(t *testing.T) {
	c := NewChecker("1.0.0")
	info := c.Info()
	if info.Current != "1.0.0" {
		t.Fatalf("expected current=1.0.0, got %s", info.Current)
	}
	if info.UpdateAvailable {
		t.Fatal("expected no update available initially")
	}
}

func TestNewCheckerStripsVPrefix(t *testing.T) {
	c := NewChecker("v1.2.3")
	if got := c.Info().Current; got != "1.2.3" {
		t.Fatalf("expected current=1.2.3, got %s", got)
	}
}

func TestUpdateAvailable(t *testing.T) {
	cases := []struct {
		current string
		latest  string
		want    bool
	}{
		{"1.0.0", "1.1.0", true},
		{"1.0.0", "1.0.0", false},
		{"2.0.0", "1.9.9", false},
		{"1.0.0", "1.0.1-rc1", true},
		{"dev", "9.9.9", false},
	}
	for _, tc := range cases {
		c := NewChecker(tc.current)
		c.mu.Lock()
		c.latest = tc.latest
		c.mu.Unlock()
		if got := c.Info().UpdateAvailable; got != tc.want {
			t.Errorf("current=%s latest=%s: expected update=%v, got %v", tc.current, tc.latest, tc.want, got)
		}
	}
}

func TestCheckFetchesLatestRelease(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"tag_name": "v2.5.0",
			"html_url": "https://example.test/releases/v2.5.0",
		})
	}))
	defer ts.Close()

	c := NewChecker("1.0.0")
	c.releaseAPI = ts.URL
	c.check(context.Background())

	info := c.Info()
	if info.Latest != "2.5.0" {
		t.Fatalf("expected latest=2.5.0, got %s", info.Latest)
	}
	if !info.UpdateAvailable {
		t.Fatal("expected update available")
	}
	if info.ReleaseURL != "https://example.test/releases/v2.5.0" {
		t.Fatalf("unexpected release URL: %s", info.ReleaseURL)
	}
}

func TestCheckSkipsDevBuilds(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer ts.Close()

	c := NewChecker("dev")
	c.releaseAPI = ts.URL
	c.check(context.Background())

	if called {
		t.Fatal("dev builds must not hit the release API")
	}
}
