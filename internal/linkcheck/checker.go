// Package linkcheck checks church websites with colly and turns each visit into
// a church.ValidationResult. Check failures are reported inside the result,
// never as errors.
package linkcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/church"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/logging"
	"github.com/orthodoxmetrics-gh1982/fix-sub008/internal/metrics"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultParallelism = 4
)

// Config controls checker behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	Parallelism int
}

// Target is one website to check on behalf of a stored church.
type Target struct {
	ChurchID int64
	URL      string
}

// Checker runs colly visits.
type Checker struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
	now           func() time.Time
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// observation accumulates what the collector callbacks observed.
type observation struct {
	statusCode int
	finalURL   string
	err        error
}

// New builds a Checker. A nil logger is replaced by a no-op logger.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallelism
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	return &Checker{
		cfg:           cfg,
		baseCollector: c,
		logger:        logging.Component(logger, "linkcheck"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CheckAll checks targets with at most Parallelism requests in flight.
// Results keep the order of targets.
func (c *Checker) CheckAll(ctx context.Context, targets []Target) []church.ValidationResult {
	results := make([]church.ValidationResult, len(targets))
	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := min(c.cfg.Parallelism, len(targets))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = c.Check(ctx, targets[i])
			}
		}()
	}
	for i := range targets {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return results
}

// Check visits one target.
func (c *Checker) Check(ctx context.Context, target Target) church.ValidationResult {
	result := church.ValidationResult{ChurchID: target.ChurchID, URL: target.URL}
	url := normalizeURL(target.URL)
	start := time.Now()

	p, err := c.run(ctx, url)
	if err == nil {
		err = p.err
	}

	elapsed := time.Since(start)
	result.ResponseTime = elapsed.Milliseconds()
	result.StatusCode = p.statusCode
	result.ValidatedAt = c.now()
	if p.finalURL != "" && p.finalURL != url {
		result.RedirectURL = p.finalURL
	}
	switch {
	case err != nil:
		result.ErrorMessage = err.Error()
	case p.statusCode < http.StatusOK || p.statusCode >= http.StatusMultipleChoices:
		result.ErrorMessage = fmt.Sprintf("unexpected status %d", p.statusCode)
	default:
		result.IsValid = true
	}

	metrics.ObserveCheck(target.URL, result.IsValid, elapsed)
	c.logger.Debug("check finished",
		zap.Int64("church_id", target.ChurchID),
		zap.String("url", target.URL),
		zap.Bool("valid", result.IsValid),
		zap.Int("status", result.StatusCode),
	)
	return result
}

func (c *Checker) buildCollector(p *observation) *colly.Collector {
	collector := c.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	configureHooks(collector, p)
	return collector
}

func configureHooks(hooks collectorHooks, p *observation) {
	hooks.OnResponse(func(r *colly.Response) {
		p.statusCode = r.StatusCode
		if r.Request != nil && r.Request.URL != nil {
			p.finalURL = r.Request.URL.String()
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			p.statusCode = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				p.finalURL = r.Request.URL.String()
			}
		}
		p.err = err
	})
}

type visitOutcome struct {
	obs observation
	err   error
}

// run visits url on a fresh collector. On cancellation the visit keeps running
// in the background but its outcome is discarded.
func (c *Checker) run(ctx context.Context, url string) (observation, error) {
	done := make(chan visitOutcome, 1)
	go func() {
		var p observation
		err := c.buildCollector(&p).Visit(url)
		done <- visitOutcome{obs: p, err: err}
	}()

	select {
	case <-ctx.Done():
		return observation{}, fmt.Errorf("check canceled: %w", ctx.Err())
	case out := <-done:
		if out.err != nil {
			return out.obs, fmt.Errorf("visit: %w", out.err)
		}
		return out.obs, nil
	}
}

// normalizeURL adds a scheme to bare hosts such as "www.parish.org".
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "://") {
		return raw
	}
	return "http://" + raw
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
