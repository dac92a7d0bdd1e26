// Package research implements the research lookup collaborator on Google
// Custom Search. Queries arrive already anonymized.
package research

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

// DefaultMaxResults is the number of results requested per query
const DefaultMaxResults = 5

// Config configures a Searcher
type Config struct {
	APIKey string
	CX     string
	// MaxResults is capped at 10 by the API
	MaxResults int
	// AllowedDomains restricts citations to these domains and their subdomains.
	// Empty means no restriction.
	AllowedDomains []string
}

// Searcher handles research lookups
type Searcher struct {
	svc     *customsearch.Service
	cx      string
	num     int64
	domains []string
	logger  *zap.Logger
}

// NewSearcher creates a new Searcher instance. Extra client options are
// appended after the API key, which lets tests point it at a local endpoint.
func NewSearcher(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Searcher, error) {
	if cfg.CX == "" {
		return nil, fmt.Errorf("search engine id (cx) is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientOpts := append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	svc, err := customsearch.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create customsearch service: %w", err)
	}

	num := cfg.MaxResults
	if num <= 0 {
		num = DefaultMaxResults
	}
	if num > 10 {
		num = 10
	}
	return &Searcher{
		svc:     svc,
		cx:      cfg.CX,
		num:     int64(num),
		domains: normalizeDomains(cfg.AllowedDomains),
		logger:  logger.Named("research"),
	}, nil
}

// Search runs one query and returns deduplicated citations from allowed domains
func (s *Searcher) Search(ctx context.Context, query string) ([]types.Citation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []types.Citation{}, nil
	}

	resp, err := s.svc.Cse.List().Cx(s.cx).Q(query).Num(s.num).Context(ctx).Do()
	if err != nil {
		classified := classify(err)
		s.logger.Warn("research lookup failed", zap.String("error_kind", string(failure.KindOf(classified))))
		return nil, classified
	}

	citations := make([]types.Citation, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || item.Link == "" {
			continue
		}
		citations = append(citations, types.Citation{
			Title:  strings.TrimSpace(item.Title),
			URL:    item.Link,
			Source: item.DisplayLink,
		})
	}
	kept := FilterCitations(Dedup(citations), s.domains)
	s.logger.Debug("research lookup complete",
		zap.Int("results", len(resp.Items)),
		zap.Int("kept", len(kept)))
	return kept, nil
}

func classify(err error) error {
	if failure.KindOf(err) != failure.KindInternal {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return failure.Upstream("research service unavailable", err)
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return failure.New(failure.KindInternal, "research credentials rejected", err)
		default:
			return failure.Validation("research request rejected", err)
		}
	}
	return failure.Upstream("research service error", err)
}

// Disabled is the research collaborator used when no search credentials are
// configured. Every lookup yields zero citations.
type Disabled struct{}

// Search returns no citations
func (Disabled) Search(context.Context, string) ([]types.Citation, error) {
	return []types.Citation{}, nil
}
