// Package research provides the literature search client backing the
// literature_search tool.
package research

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ArxivConfig configures the arXiv search client.
type ArxivConfig struct {
	BaseURL    string        `json:"base_url"`
	MaxResults int           `json:"max_results"`
	Timeout    time.Duration `json:"timeout"`
}

// DefaultArxivConfig returns sensible defaults for arXiv queries.
func DefaultArxivConfig() ArxivConfig {
	return ArxivConfig{
		BaseURL:    "http://export.arxiv.org/api/query",
		MaxResults: 10,
		Timeout:    30 * time.Second,
	}
}

// Paper is one normalized literature search result.
type Paper struct {
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Year     *int   `json:"year,omitempty"`
	ArxivID  string `json:"arxiv_id,omitempty"`
	DOI      string `json:"doi,omitempty"`
	URL      string `json:"url,omitempty"`
	Authors  string `json:"authors,omitempty"`
}

// ArxivClient searches the public arXiv Atom API.
type ArxivClient struct {
	cfg    ArxivConfig
	client *http.Client
	logger *zap.Logger
}

// NewArxivClient creates a search client.
func NewArxivClient(cfg ArxivConfig, logger *zap.Logger) *ArxivClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultArxivConfig().BaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultArxivConfig().MaxResults
	}
	return &ArxivClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "arxiv")),
	}
}

// Name returns the provider name.
func (a *ArxivClient) Name() string { return "arxiv" }

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	DOI   string `xml:"doi"`
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
}

// Search queries arXiv for papers matching query.
func (a *ArxivClient) Search(ctx context.Context, query string, maxResults int) ([]Paper, error) {
	if maxResults <= 0 || maxResults > a.cfg.MaxResults {
		maxResults = a.cfg.MaxResults
	}

	params := url.Values{
		"search_query": {"all:" + query},
		"start":        {"0"},
		"max_results":  {strconv.Itoa(maxResults)},
		"sortBy":       {"relevance"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build arxiv request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read arxiv response: %w", err)
	}

	var feed atomFeed
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("parse arxiv feed: %w", err)
	}

	papers := make([]Paper, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		papers = append(papers, a.normalize(entry))
	}

	a.logger.Debug("arxiv search finished",
		zap.String("query", query),
		zap.Int("results", len(papers)))
	return papers, nil
}

func (a *ArxivClient) normalize(entry atomEntry) Paper {
	arxivID := entry.ID
	if idx := strings.LastIndex(arxivID, "/abs/"); idx >= 0 {
		arxivID = arxivID[idx+len("/abs/"):]
	}

	var year *int
	if len(entry.Published) >= 4 {
		if y, err := strconv.Atoi(entry.Published[:4]); err == nil {
			year = &y
		}
	}

	authors := make([]string, 0, len(entry.Authors))
	for _, au := range entry.Authors {
		authors = append(authors, au.Name)
	}

	pageURL := entry.ID
	for _, link := range entry.Links {
		if link.Rel == "alternate" {
			pageURL = link.Href
		}
	}

	return Paper{
		Source:   "arxiv",
		SourceID: arxivID,
		Title:    strings.TrimSpace(entry.Title),
		Abstract: strings.TrimSpace(entry.Summary),
		Year:     year,
		ArxivID:  arxivID,
		DOI:      entry.DOI,
		URL:      pageURL,
		Authors:  strings.Join(authors, ", "),
	}
}
