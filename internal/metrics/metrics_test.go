package metrics

import (
	"errors"
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
		{"standard http", "http://stnicholas.example.org/about", "stnicholas.example.org"},
		{"standard https", "https://OCA.example/parishes", "oca.example"},
		{"no scheme", "goarch.example/parish", "goarch.example"},
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

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if ingestRecordsTotal == nil || ingestBatchesTotal == nil || ingestSessionsTotal == nil ||
		httpRequestsTotal == nil || linkcheckChecksTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveBatch(t *testing.T) {
	Init()

	savedBefore := testutil.ToFloat64(ingestRecordsTotal.WithLabelValues("saved"))
	updatedBefore := testutil.ToFloat64(ingestRecordsTotal.WithLabelValues("updated"))
	errorsBefore := testutil.ToFloat64(ingestBatchesTotal.WithLabelValues("error"))

	ObserveBatch(3, 2, nil, 10*time.Millisecond)
	ObserveBatch(0, 0, errors.New("boom"), time.Millisecond)

	if got := testutil.ToFloat64(ingestRecordsTotal.WithLabelValues("saved")) - savedBefore; got != 3 {
		t.Errorf("expected 3 saved records, got %f", got)
	}
	if got := testutil.ToFloat64(ingestRecordsTotal.WithLabelValues("updated")) - updatedBefore; got != 2 {
		t.Errorf("expected 2 updated records, got %f", got)
	}
	if got := testutil.ToFloat64(ingestBatchesTotal.WithLabelValues("error")) - errorsBefore; got != 1 {
		t.Errorf("expected 1 failed batch, got %f", got)
	}
}

func TestObserveSessionValidationAndCheck(t *testing.T) {
	Init()

	completedBefore := testutil.ToFloat64(ingestSessionsTotal.WithLabelValues("completed"))
	invalidBefore := testutil.ToFloat64(ingestValidationsTotal.WithLabelValues("false"))
	checkBefore := testutil.ToFloat64(linkcheckChecksTotal.WithLabelValues("stnicholas.example.org", "valid"))
	archiveBefore := testutil.ToFloat64(ingestSideEffectFailures.WithLabelValues("archive"))

	ObserveSession("completed")
	ObserveValidation(false)
	ObserveCheck("https://StNicholas.example.org/", true, 120*time.Millisecond)
	ObserveSideEffectFailure("archive")

	if got := testutil.ToFloat64(ingestSessionsTotal.WithLabelValues("completed")) - completedBefore; got != 1 {
		t.Errorf("expected 1 completed session, got %f", got)
	}
	if got := testutil.ToFloat64(ingestValidationsTotal.WithLabelValues("false")) - invalidBefore; got != 1 {
		t.Errorf("expected 1 invalid validation, got %f", got)
	}
	if got := testutil.ToFloat64(linkcheckChecksTotal.WithLabelValues("stnicholas.example.org", "valid")) - checkBefore; got != 1 {
		t.Errorf("expected 1 valid check, got %f", got)
	}
	if got := testutil.ToFloat64(ingestSideEffectFailures.WithLabelValues("archive")) - archiveBefore; got != 1 {
		t.Errorf("expected 1 archive failure, got %f", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://oca.example", "ftp://example.com"}
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
