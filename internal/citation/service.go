// Package citation attaches provenance records to persisted facts and
// verifies that their source URLs remain reachable.
package citation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opencouncil/civicdata/internal/model"
	"github.com/opencouncil/civicdata/internal/resilience"
	"github.com/opencouncil/civicdata/internal/store"
	"github.com/opencouncil/civicdata/pkg/metrics"
)

const (
	// recheckWindow is how long a verification result stays fresh before
	// bulk verification picks the URL up again.
	recheckWindow = 7 * 24 * time.Hour

	// staleWindow is the age past which an unrechecked citation counts
	// as broken.
	staleWindow = 30 * 24 * time.Hour

	defaultVerifyTimeout = 15 * time.Second
)

// ValidationError reports a citation that fails shape validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid citation: %s %s", e.Field, e.Reason)
}

// Service manages citations and source verification on top of a Store.
type Service struct {
	store   store.Store
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient replaces the verification HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithVerifyInterval sets the politeness delay between bulk verification
// requests.
func WithVerifyInterval(d time.Duration) Option {
	return func(s *Service) { s.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetryConfig overrides the verification retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// NewService creates a citation service with a 1 req/s verification
// throttle.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:   st,
		client:  &http.Client{Timeout: defaultVerifyTimeout},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		retry:   resilience.DefaultRetryConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreCitation validates and persists a citation on a fact. Type and
// file type are pre-filled from URL classification when absent. Calling
// it twice with the same input leaves one logically equivalent record.
func (s *Service) StoreCitation(ctx context.Context, factID int64, c *model.Citation) error {
	if c == nil {
		return &ValidationError{Field: "citation", Reason: "is required"}
	}
	if c.SourceURL == "" {
		return &ValidationError{Field: "source_url", Reason: "is required"}
	}
	if _, err := url.ParseRequestURI(c.SourceURL); err != nil {
		return &ValidationError{Field: "source_url", Reason: "is not a valid URL"}
	}

	info := ExtractDeepLinkInfo(c.SourceURL)
	if c.Type == "" {
		c.Type = info.SuggestedType
	}
	if c.FileType == "" && info.IsDirectFile {
		c.FileType = info.FileType
	}
	if c.Confidence == "" {
		c.Confidence = model.ConfidenceMedium
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}

	if err := s.store.UpdateFactCitation(ctx, factID, c); err != nil {
		return eris.Wrapf(err, "citation: store for fact %d", factID)
	}
	return nil
}

// GetCitation returns the citation attached to a fact, or nil when the
// fact has none yet.
func (s *Service) GetCitation(ctx context.Context, factID int64) (*model.Citation, error) {
	return s.store.GetFactCitation(ctx, factID)
}

// GetAllSources returns the fact's citation as a source list. The slice
// shape anticipates facts citing multiple sources; today it has at most
// one element, and is nil when the fact is uncited.
func (s *Service) GetAllSources(ctx context.Context, factID int64) ([]model.Citation, error) {
	c, err := s.store.GetFactCitation(ctx, factID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	return []model.Citation{*c}, nil
}

// VerifySource checks that a source URL is still reachable and persists
// the result keyed by URL. Network failures land in the verification's
// Error field rather than the returned error, which only reports
// persistence problems.
func (s *Service) VerifySource(ctx context.Context, sourceURL string) (*model.Verification, error) {
	start := s.now()
	v := s.checkURL(ctx, sourceURL)
	if metrics.VerificationDuration != nil {
		metrics.VerificationDuration.Observe(s.now().Sub(start).Seconds())
	}
	if metrics.VerificationsTotal != nil {
		metrics.VerificationsTotal.WithLabelValues(verifyOutcome(v)).Inc()
	}
	if err := s.store.UpsertVerification(ctx, v); err != nil {
		return nil, eris.Wrapf(err, "citation: persist verification for %s", sourceURL)
	}

	zap.L().Debug("verified source",
		zap.String("url", sourceURL),
		zap.Bool("accessible", v.Accessible),
		zap.Int("status", v.StatusCode),
	)
	return v, nil
}

func verifyOutcome(v *model.Verification) string {
	switch {
	case v.Accessible:
		return "accessible"
	case v.Error != "":
		return "error"
	default:
		return "broken"
	}
}

func (s *Service) checkURL(ctx context.Context, sourceURL string) *model.Verification {
	v := &model.Verification{
		SourceURL: sourceURL,
		CheckedAt: s.now().UTC(),
	}

	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger("verify_source")

	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		resp, err := s.headOrGet(ctx, sourceURL)
		if err != nil {
			return resilience.NewTransientError(err, 0)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		v.StatusCode = resp.StatusCode
		v.Accessible = resp.StatusCode >= 200 && resp.StatusCode < 400
		if final := resp.Request.URL.String(); final != sourceURL {
			v.RedirectURL = final
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(
				eris.Errorf("verify %s: status %d", sourceURL, resp.StatusCode),
				resp.StatusCode,
			)
		}
		return nil
	})
	if err != nil && v.StatusCode == 0 {
		v.Error = err.Error()
	}
	return v
}

// headOrGet issues a HEAD request, falling back to GET for hosts that
// reject HEAD outright.
func (s *Service) headOrGet(ctx context.Context, sourceURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "citation: build request for %s", sourceURL)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotImplemented {
		return resp, nil
	}
	resp.Body.Close()

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "citation: build request for %s", sourceURL)
	}
	return s.client.Do(req)
}

// BulkVerifySources verifies up to limit source URLs whose last check is
// older than the recheck window, sequentially and throttled so a single
// host never sees a request burst.
func (s *Service) BulkVerifySources(ctx context.Context, limit int) (model.VerifyStats, error) {
	var stats model.VerifyStats

	urls, err := s.store.ListUnverifiedSourceURLs(ctx, s.now().Add(-recheckWindow), limit)
	if err != nil {
		return stats, eris.Wrap(err, "citation: select sources for verification")
	}

	for _, u := range urls {
		if err := s.limiter.Wait(ctx); err != nil {
			return stats, eris.Wrap(err, "citation: bulk verify interrupted")
		}
		v, err := s.VerifySource(ctx, u)
		if err != nil {
			return stats, err
		}
		switch {
		case v.Accessible:
			stats.Verified++
		case v.Error != "":
			stats.Errored++
		default:
			stats.Broken++
		}
	}

	zap.L().Info("bulk verification complete",
		zap.Int("checked", len(urls)),
		zap.Int("verified", stats.Verified),
		zap.Int("broken", stats.Broken),
		zap.Int("errored", stats.Errored),
	)
	return stats, nil
}

// FindBrokenCitations returns active facts whose citation is missing,
// inaccessible, or unverified for longer than the stale window.
func (s *Service) FindBrokenCitations(ctx context.Context) ([]model.Fact, error) {
	return s.store.FindBrokenCitationFacts(ctx, s.now().Add(-staleWindow))
}

// FindDuplicateSources groups facts sharing a source URL for
// deduplication review.
func (s *Service) FindDuplicateSources(ctx context.Context) ([]model.SourceGroup, error) {
	return s.store.FindDuplicateSources(ctx)
}

// GenerateCitationReport aggregates citation coverage over all active
// facts.
func (s *Service) GenerateCitationReport(ctx context.Context) (*model.CitationReport, error) {
	facts, err := s.store.ListActiveFacts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "citation: load facts for report")
	}

	report := &model.CitationReport{
		TotalFacts:          len(facts),
		ConfidenceBreakdown: map[string]int{},
		DomainBreakdown:     map[string]int{},
		GeneratedAt:         s.now().UTC(),
	}
	for _, f := range facts {
		if f.Citation == nil {
			continue
		}
		report.WithCitation++
		if f.Citation.FileURL != "" {
			report.WithFile++
		}
		report.ConfidenceBreakdown[string(f.Citation.Confidence)]++
		if domain := factDomain(&f); domain != "" {
			report.DomainBreakdown[domain]++
		}
		if v := f.Citation.Verification; v != nil {
			if v.Accessible {
				report.Verified++
			} else {
				report.Broken++
			}
		}
	}
	return report, nil
}

func factDomain(f *model.Fact) string {
	if f.SourceDomain != "" {
		return f.SourceDomain
	}
	u, err := url.Parse(f.SourceURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
