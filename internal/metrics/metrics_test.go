package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if chaptersTotal == nil || challengesTotal == nil ||
		httpRequestsTotal == nil || pacingDelaySeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	before := testutil.ToFloat64(chaptersTotal.WithLabelValues("written"))
	ObserveChapter("written")
	if val := testutil.ToFloat64(chaptersTotal.WithLabelValues("written")); val != before+1 {
		t.Errorf("Expected chapter counter to advance by 1, got %f -> %f", before, val)
	}
}

func TestObserveChallenge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(challengesTotal)
	ObserveChallenge()
	if val := testutil.ToFloat64(challengesTotal); val != before+1 {
		t.Errorf("Expected challenge counter to advance by 1, got %f -> %f", before, val)
	}
}

func TestObserveFetchAndPacing(t *testing.T) {
	Init()
	ObserveFetch("chapter", "https://Novel.test/reader/1", 120*time.Millisecond)
	if n := testutil.CollectAndCount(fetchDurationSeconds); n == 0 {
		t.Fatal("expected a fetch duration series")
	}

	beforeWorkers := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != beforeWorkers+1 {
		t.Errorf("expected active workers %f, got %f", beforeWorkers+1, val)
	}
	DecActiveWorkers()

	ObservePacing(2 * time.Second)
	if n := testutil.CollectAndCount(pacingDelaySeconds); n != 1 {
		t.Errorf("expected one pacing series, got %d", n)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
