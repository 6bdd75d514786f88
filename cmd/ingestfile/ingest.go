package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/linkcheck"
)

// export is a scraper run dump. A bare JSON array of churches is accepted too.
type export struct {
	Config   map[string]any       `json:"config,omitempty"`
	Churches []church.Church      `json:"churches"`
	Errors   []church.ScrapeError `json:"errors,omitempty"`
}

// summary is printed to stdout when the run ends.
type summary struct {
	SessionID  string               `json:"session_id"`
	Status     church.SessionStatus `json:"status"`
	Stats      church.SessionStats  `json:"stats"`
	Errors     int                  `json:"errors"`
	Validated  int                  `json:"validated_websites"`
	Reachable  int                  `json:"reachable_websites"`
	FailReason string               `json:"failure_reason,omitempty"`
}

type ingestEngine interface {
	OpenSession(ctx context.Context, config map[string]any) (string, error)
	CloseSession(ctx context.Context, id string, stats church.SessionStats, errs []church.ScrapeError) error
	FailSession(ctx context.Context, id, reason string) error
	SaveBatch(ctx context.Context, recs []church.Church) (church.BatchResult, error)
	FindExisting(ctx context.Context, rec church.Church) (int64, bool, error)
	RecordValidations(ctx context.Context, results []church.ValidationResult) error
}

type websiteChecker interface {
	CheckAll(ctx context.Context, targets []linkcheck.Target) []church.ValidationResult
}

func decodeExport(r io.Reader) (export, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return export{}, fmt.Errorf("read export: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	var out export
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &out.Churches); err != nil {
			return export{}, fmt.Errorf("decode church array: %w", err)
		}
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return export{}, fmt.Errorf("decode export: %w", err)
	}
	return out, nil
}

// ingest runs one session over exp. A failed batch fails the session and
// stops the run; everything saved by earlier batches stays.
func ingest(
	ctx context.Context,
	eng ingestEngine,
	checker websiteChecker,
	exp export,
	batchSize int,
	logger *zap.Logger,
) (summary, error) {
	if batchSize <= 0 {
		return summary{}, errors.New("batch size must be > 0")
	}
	sessionID, err := eng.OpenSession(ctx, exp.Config)
	if err != nil {
		return summary{}, err //nolint:wrapcheck
	}
	logger = logger.With(zap.String("session_id", sessionID))
	sum := summary{SessionID: sessionID, Status: church.SessionRunning}

	stats := church.SessionStats{
		Scraped:        len(exp.Churches),
		ByJurisdiction: make(map[string]int),
	}
	for _, c := range exp.Churches {
		if c.Jurisdiction != "" {
			stats.ByJurisdiction[c.Jurisdiction]++
		}
	}

	for start := 0; start < len(exp.Churches); start += batchSize {
		end := min(start+batchSize, len(exp.Churches))
		result, err := eng.SaveBatch(ctx, exp.Churches[start:end])
		if err != nil {
			reason := fmt.Sprintf("batch starting at record %d: %v", start, err)
			return failed(ctx, eng, sum, stats, reason, logger)
		}
		stats.Saved += result.Saved
		stats.Duplicates += result.Updated
		logger.Info("batch saved",
			zap.Int("from", start),
			zap.Int("to", end),
			zap.Int("saved", result.Saved),
			zap.Int("updated", result.Updated),
		)
	}

	if checker != nil {
		targets, err := websiteTargets(ctx, eng, exp.Churches)
		if err != nil {
			return failed(ctx, eng, sum, stats, "resolve websites: "+err.Error(), logger)
		}
		results := checker.CheckAll(ctx, targets)
		if err := eng.RecordValidations(ctx, results); err != nil {
			return failed(ctx, eng, sum, stats, "record validations: "+err.Error(), logger)
		}
		// Validated counts every checked URL, reachable or not.
		stats.Validated = len(results)
		for _, r := range results {
			if r.IsValid {
				sum.Reachable++
			}
		}
	}

	if err := eng.CloseSession(ctx, sessionID, stats, exp.Errors); err != nil {
		return sum, err //nolint:wrapcheck
	}
	sum.Status = church.SessionCompleted
	sum.Stats = stats
	sum.Errors = len(exp.Errors)
	sum.Validated = stats.Validated
	return sum, nil
}

// websiteTargets resolves every distinct (church, website) pair after the
// merge so each stored church is checked once per URL.
func websiteTargets(ctx context.Context, eng ingestEngine, recs []church.Church) ([]linkcheck.Target, error) {
	type key struct {
		id  int64
		url string
	}
	seen := make(map[key]bool)
	var targets []linkcheck.Target
	for _, rec := range recs {
		if strings.TrimSpace(rec.Website) == "" {
			continue
		}
		id, found, err := eng.FindExisting(ctx, rec)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		if !found {
			continue
		}
		k := key{id: id, url: rec.Website}
		if seen[k] {
			continue
		}
		seen[k] = true
		targets = append(targets, linkcheck.Target{ChurchID: id, URL: rec.Website})
	}
	return targets, nil
}

func failed(
	ctx context.Context,
	eng ingestEngine,
	sum summary,
	stats church.SessionStats,
	reason string,
	logger *zap.Logger,
) (summary, error) {
	logger.Error("ingest failed", zap.String("reason", reason))
	if err := eng.FailSession(ctx, sum.SessionID, reason); err != nil {
		logger.Warn("mark session failed", zap.Error(err))
	}
	sum.Status = church.SessionFailed
	sum.Stats = stats
	sum.FailReason = reason
	return sum, errors.New(reason)
}
