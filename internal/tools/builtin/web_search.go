package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/httpclient"
	"agentcore/internal/policy"
	"agentcore/internal/tools"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultSearchAPIURL  = "https://api.bing.microsoft.com/v7.0/search"
	defaultSearchHTMLURL = "https://html.duckduckgo.com/html/"
	maxSearchOutput      = 4000
)

var freshness = map[string]string{
	"past_day":   "Day",
	"past_week":  "Week",
	"past_month": "Month",
	"past_year":  "Year",
}

type searchHit struct {
	Title   string
	URL     string
	Snippet string
}

// webSearch queries a JSON search API when an API key is configured and
// otherwise scrapes an HTML results page.
type webSearch struct {
	policy *policy.Policy
	client *http.Client
	apiURL string
	apiKey string
}

func NewWebSearch(p *policy.Policy, client *http.Client) tools.ToolExecutor {
	if client == nil {
		client = httpclient.New(30*time.Second, nil)
	}
	t := &webSearch{policy: p, client: client, apiURL: p.SearchURL(), apiKey: p.SearchAPIKey()}
	if t.apiURL == "" {
		if t.apiKey != "" {
			t.apiURL = defaultSearchAPIURL
		} else {
			t.apiURL = defaultSearchHTMLURL
		}
	}
	return t
}

func (t *webSearch) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:           "web_search",
		Version:        "1.0.0",
		Category:       "web",
		Tags:           []string{"search", "web", "internet"},
		TransientProne: true,
		HostNetwork:    true,
		Idempotent:     true,
	}
}

func (t *webSearch) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name: "web_search",
		Description: `Search the web for current information.

Returns titles, URLs and snippets. Results on blocked domains are omitted.`,
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"query": {
					Type:        "string",
					Description: "The search query to execute",
				},
				"date_range": {
					Type:        "string",
					Description: "Restrict results by age",
					Enum:        []any{"all", "past_day", "past_week", "past_month", "past_year"},
				},
				"result_count": {
					Type:        "integer",
					Description: "Maximum number of results (1-10, default 5)",
				},
			},
			Required: []string{"query"},
		},
	}
}

func (t *webSearch) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	query := strings.TrimSpace(tools.StringArg(call.Arguments, "query"))
	count := 5
	if n, ok := tools.IntArg(call.Arguments, "result_count"); ok {
		count = min(max(n, 1), 10)
	}
	dateRange := tools.StringArg(call.Arguments, "date_range")

	var (
		hits []searchHit
		err  error
	)
	if t.apiKey != "" {
		hits, err = t.searchAPI(ctx, query, count, dateRange)
	} else {
		hits, err = t.searchHTML(ctx, query)
	}
	if err != nil {
		return tools.Failure(call, err), nil
	}

	hits, dropped := t.filter(hits, count)
	if len(hits) == 0 {
		return &tools.ToolResult{
			CallID:   call.ID,
			Content:  fmt.Sprintf("No results found for %q.", query),
			Metadata: map[string]any{"results": 0, "filtered": dropped},
		}, nil
	}

	var output strings.Builder
	fmt.Fprintf(&output, "Search: %s\n\n", query)
	for i, hit := range hits {
		fmt.Fprintf(&output, "%d. %s\n   URL: %s\n", i+1, hit.Title, hit.URL)
		if hit.Snippet != "" {
			fmt.Fprintf(&output, "   %s\n", hit.Snippet)
		}
		output.WriteString("\n")
	}
	content := strings.TrimSpace(output.String())
	if len(content) > maxSearchOutput {
		content = truncateContent(content, maxSearchOutput)
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  content,
		Metadata: map[string]any{"results": len(hits), "filtered": dropped},
	}, nil
}

// filter drops hits on blocked domains and caps the list at count.
func (t *webSearch) filter(hits []searchHit, count int) ([]searchHit, int) {
	kept := hits[:0]
	dropped := 0
	for _, hit := range hits {
		if tools.CheckURL(t.policy, hit.URL) != nil {
			dropped++
			continue
		}
		if len(kept) < count {
			kept = append(kept, hit)
		}
	}
	return kept, dropped
}

func (t *webSearch) searchAPI(ctx context.Context, query string, count int, dateRange string) ([]searchHit, error) {
	params := neturl.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(count))
	params.Set("responseFilter", "Webpages")
	params.Set("textFormat", "Raw")
	if f, ok := freshness[dateRange]; ok {
		params.Set("freshness", f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, agenterrors.Runtime(fmt.Errorf("create request: %w", err), false)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", t.apiKey)
	req.Header.Set("Accept", "application/json")

	body, err := t.do(req)
	if err != nil {
		return nil, err
	}

	var payload struct {
		WebPages struct {
			Value []struct {
				Name    string `json:"name"`
				URL     string `json:"url"`
				Snippet string `json:"snippet"`
			} `json:"value"`
		} `json:"webPages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, agenterrors.Runtime(fmt.Errorf("decode search response: %w", err), false)
	}
	hits := make([]searchHit, 0, len(payload.WebPages.Value))
	for _, v := range payload.WebPages.Value {
		hits = append(hits, searchHit{Title: v.Name, URL: v.URL, Snippet: v.Snippet})
	}
	return hits, nil
}

func (t *webSearch) searchHTML(ctx context.Context, query string) ([]searchHit, error) {
	form := neturl.Values{}
	form.Set("q", query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, agenterrors.Runtime(fmt.Errorf("create request: %w", err), false)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	body, err := t.do(req)
	if err != nil {
		return nil, err
	}
	return parseHTMLResults(string(body))
}

// parseHTMLResults reads the result blocks of a DuckDuckGo-style HTML page.
func parseHTMLResults(html string) ([]searchHit, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, agenterrors.Runtime(fmt.Errorf("parse results: %w", err), false)
	}
	var hits []searchHit
	doc.Find(".result").Each(func(_ int, s *goquery.Selection) {
		link := s.Find("a.result__a").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		hits = append(hits, searchHit{
			Title:   collapseSpace(link.Text()),
			URL:     resolveRedirectLink(href),
			Snippet: collapseSpace(s.Find(".result__snippet").First().Text()),
		})
	})
	return hits, nil
}

// resolveRedirectLink unwraps "/l/?uddg=<target>" style tracking links.
func resolveRedirectLink(href string) string {
	u, err := neturl.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func (t *webSearch) do(req *http.Request) ([]byte, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, agenterrors.Runtime(fmt.Errorf("search request: %w", err), agenterrors.IsTransient(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, _, err := httpclient.ReadAllWithLimit(resp.Body, maxFetchBytes, false)
	if err != nil {
		return nil, agenterrors.Runtime(fmt.Errorf("read response: %w", err), !httpclient.IsResponseTooLarge(err))
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := agenterrors.HTTPStatusError(resp.StatusCode, truncateContent(string(body), 200))
		return nil, agenterrors.Runtime(statusErr, agenterrors.IsTransient(statusErr))
	}
	return body, nil
}
