package research

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

func newTestSearcher(t *testing.T, handler http.HandlerFunc, cfg Config) *Searcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.CX = "test-cx"
	s, err := NewSearcher(context.Background(), cfg, nil,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return s
}

func writeItems(w http.ResponseWriter, items ...map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
}

func TestSearch_MapsAndFilters(t *testing.T) {
	var gotQuery, gotCX string
	s := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotCX = r.URL.Query().Get("cx")
		writeItems(w,
			map[string]string{"title": " Gottman method ", "link": "https://www.gottman.com/about/", "displayLink": "www.gottman.com"},
			map[string]string{"title": "duplicate", "link": "https://www.gottman.com/about", "displayLink": "www.gottman.com"},
			map[string]string{"title": "Forum post", "link": "https://forum.example.com/t/1", "displayLink": "forum.example.com"},
			map[string]string{"title": "NIH", "link": "https://pubmed.ncbi.nlm.nih.gov/123", "displayLink": "pubmed.ncbi.nlm.nih.gov"},
		)
	}, Config{AllowedDomains: []string{"gottman.com", "https://nih.gov"}})

	citations, err := s.Search(context.Background(), "attachment repair couples")
	require.NoError(t, err)

	assert.Equal(t, "attachment repair couples", gotQuery)
	assert.Equal(t, "test-cx", gotCX)
	assert.Equal(t, []types.Citation{
		{Title: "Gottman method", URL: "https://www.gottman.com/about/", Source: "www.gottman.com"},
		{Title: "NIH", URL: "https://pubmed.ncbi.nlm.nih.gov/123", Source: "pubmed.ncbi.nlm.nih.gov"},
	}, citations)
}

func TestSearch_EmptyQuerySkipsCall(t *testing.T) {
	var calls atomic.Int32
	s := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeItems(w)
	}, Config{})

	citations, err := s.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, citations)
	assert.Equal(t, int32(0), calls.Load())
}

func TestSearch_NoResults(t *testing.T) {
	s := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}, Config{})

	citations, err := s.Search(context.Background(), "emotionally focused therapy")
	require.NoError(t, err)
	assert.Empty(t, citations)
}

func TestSearch_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   failure.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, failure.KindUpstream},
		{"server error", http.StatusServiceUnavailable, failure.KindUpstream},
		{"bad request", http.StatusBadRequest, failure.KindValidation},
		{"forbidden", http.StatusForbidden, failure.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSearcher(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope"}}`, tt.status)
			}, Config{})

			_, err := s.Search(context.Background(), "query")
			require.Error(t, err)
			assert.Equal(t, tt.want, failure.KindOf(err))
			assert.NotContains(t, failure.SafeMessage(err), "nope")
		})
	}
}

func TestNewSearcher_RequiresCX(t *testing.T) {
	_, err := NewSearcher(context.Background(), Config{APIKey: "k"}, nil)
	assert.Error(t, err)
}

func TestExtractDomainFromURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"Simple URL", "https://gottman.com", "gottman.com"},
		{"URL with www", "https://www.gottman.com", "gottman.com"},
		{"URL with path", "https://institute.gottman.com/research", "institute.gottman.com"},
		{"URL with port", "http://localhost:8080/x", "localhost"},
		{"URL without scheme", "gottman.com", "gottman.com"},
		{"Mixed case", "https://WWW.Gottman.COM", "gottman.com"},
		{"Empty URL", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractDomainFromURL(tt.url))
		})
	}
}

func TestFilterCitations(t *testing.T) {
	in := []types.Citation{
		{URL: "https://apa.org/topics"},
		{URL: "https://notapa.org/topics"},
		{URL: "https://www.apa.org/x"},
		{URL: ""},
	}
	got := FilterCitations(in, []string{"apa.org"})
	require.Len(t, got, 2)
	for _, c := range got {
		assert.True(t, strings.Contains(c.URL, "apa.org"))
	}

	assert.Equal(t, in, FilterCitations(in, nil))
}

func TestDedup(t *testing.T) {
	in := []types.Citation{
		{Title: "a", URL: "https://x.org/a"},
		{Title: "b", URL: "https://x.org/a/"},
		{Title: "c", URL: "https://x.org/c"},
	}
	got := Dedup(in)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Title)
	assert.Equal(t, "c", got[1].Title)
}

func TestDisabled(t *testing.T) {
	got, err := Disabled{}.Search(context.Background(), "attachment repair")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}
