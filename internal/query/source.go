package query

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"rewards-automation/internal/config"
)

// Source supplies candidate search terms. Terms may contain duplicates and
// untrimmed text; the Generator normalises them.
type Source interface {
	Name() string
	Terms(ctx context.Context) ([]string, error)
}

type StaticSource struct {
	terms []string
}

func NewStaticSource(terms ...string) *StaticSource {
	return &StaticSource{terms: terms}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Terms(context.Context) ([]string, error) {
	return append([]string(nil), s.terms...), nil
}

// FileSource reads one term per line. Blank lines, "#" comments and "="
// section rulers are skipped.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return "file" }

func (s *FileSource) Terms(context.Context) ([]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open keywords file: %w", err)
	}
	defer f.Close()

	var terms []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "=") {
			continue
		}
		terms = append(terms, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read keywords file: %w", err)
	}
	return terms, nil
}

// FeedSource pulls item titles from a trending-topics RSS feed.
type FeedSource struct {
	url    string
	client *http.Client
}

func NewFeedSource(url string, timeout time.Duration) *FeedSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FeedSource{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *FeedSource) Name() string { return "feed" }

func (s *FeedSource) Terms(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: unexpected status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var terms []string
	doc.Find("item > title").Each(func(_ int, sel *goquery.Selection) {
		t := strings.TrimSpace(sel.Text())
		t = strings.TrimPrefix(t, "<![CDATA[")
		t = strings.TrimSuffix(t, "]]>")
		if t != "" {
			terms = append(terms, t)
		}
	})
	return terms, nil
}

var (
	combinatorHeads = []string{
		"best", "cheap", "how to clean", "history of", "top rated", "used",
		"reviews of", "what is a", "easy", "homemade", "vintage", "portable",
		"how to fix", "beginner", "local", "quiet", "compact", "durable",
	}
	combinatorNouns = []string{
		"hiking boots", "coffee grinder", "mechanical keyboard", "road bike", "sourdough bread",
		"espresso machine", "board games", "standing desk", "noise cancelling headphones",
		"air fryer recipes", "indoor plants", "camping tent", "electric kettle",
		"running shoes", "telescope", "wireless mouse", "cast iron pan", "gaming monitor",
		"travel backpack", "smart watch",
	}
)

// CombinatorSource pairs a head word with a noun phrase. It is finite: every
// combination appears once.
type CombinatorSource struct {
	heads []string
	nouns []string
}

func NewCombinatorSource() *CombinatorSource {
	return &CombinatorSource{heads: combinatorHeads, nouns: combinatorNouns}
}

func (s *CombinatorSource) Name() string { return "combinator" }

func (s *CombinatorSource) Terms(context.Context) ([]string, error) {
	out := make([]string, 0, len(s.heads)*len(s.nouns))
	for _, h := range s.heads {
		for _, n := range s.nouns {
			out = append(out, h+" "+n)
		}
	}
	return out, nil
}

// SourcesFromConfig builds sources in the configured order. Unknown names
// are an error; a file source without a path is dropped.
func SourcesFromConfig(cfg config.QueryConfig) ([]Source, error) {
	var out []Source
	for _, name := range cfg.Sources {
		switch strings.ToLower(name) {
		case "static":
			out = append(out, NewStaticSource(cfg.Static...))
		case "file":
			if cfg.KeywordsFile != "" {
				out = append(out, NewFileSource(cfg.KeywordsFile))
			}
		case "feed":
			out = append(out, NewFeedSource(cfg.FeedURL, time.Duration(cfg.FeedTimeout)*time.Second))
		case "combinator":
			out = append(out, NewCombinatorSource())
		default:
			return nil, fmt.Errorf("unknown query source %q", name)
		}
	}
	return out, nil
}
