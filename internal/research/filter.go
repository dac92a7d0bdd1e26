package research

import (
	"net/url"
	"strings"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

// Dedup drops citations whose URL was already seen, keeping the first
func Dedup(citations []types.Citation) []types.Citation {
	seen := make(map[string]bool, len(citations))
	out := make([]types.Citation, 0, len(citations))
	for _, c := range citations {
		key := strings.TrimSuffix(c.URL, "/")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// FilterCitations keeps citations hosted on one of domains or a subdomain.
// No filtering is applied when domains is empty.
func FilterCitations(citations []types.Citation, domains []string) []types.Citation {
	if len(domains) == 0 {
		return citations
	}
	out := make([]types.Citation, 0, len(citations))
	for _, c := range citations {
		if isFromDomain(c.URL, domains) {
			out = append(out, c)
		}
	}
	return out
}

func isFromDomain(urlStr string, domains []string) bool {
	host := extractDomainFromURL(urlStr)
	if host == "" {
		return false
	}
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func normalizeDomains(domains []string) []string {
	var out []string
	for _, d := range domains {
		if host := extractDomainFromURL(strings.TrimSpace(d)); host != "" {
			out = append(out, strings.ToLower(host))
		}
	}
	return out
}

// extractDomainFromURL extracts the domain from a URL
func extractDomainFromURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	// Prepend scheme if missing
	if !strings.Contains(urlStr, "://") {
		urlStr = "https://" + urlStr
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}
