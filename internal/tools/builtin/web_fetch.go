package builtin

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	neturl "net/url"
	"strings"
	"time"
	"unicode/utf8"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/httpclient"
	"agentcore/internal/policy"
	"agentcore/internal/tools"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxFetchBytes   = 2 * 1024 * 1024
	maxFetchContent = 15000
	maxRedirects    = 10
	userAgent       = "agentcore/1.0 (+web_fetch)"
)

// webFetch downloads a page and reduces it to readable text.
type webFetch struct {
	policy     *policy.Policy
	httpClient *http.Client
}

// NewWebFetch builds web_fetch. Every redirect hop is checked against the
// same host network rules the dispatcher applies to the initial url.
func NewWebFetch(p *policy.Policy, client *http.Client) tools.ToolExecutor {
	base := client
	if base == nil {
		base = httpclient.New(30*time.Second, nil)
	}
	c := *base
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if denied := tools.CheckURL(p, req.URL.String()); denied != nil {
			return denied
		}
		return nil
	}
	return &webFetch{policy: p, httpClient: &c}
}

func (t *webFetch) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:           "web_fetch",
		Version:        "1.0.0",
		Category:       "web",
		Tags:           []string{"web", "fetch", "http", "content"},
		TransientProne: true,
		HostNetwork:    true,
		Idempotent:     true,
	}
}

func (t *webFetch) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name: "web_fetch",
		Description: `Fetch a web page and return its readable text.

Features:
- Converts HTML to clean text (title, headings, paragraphs, lists)
- Follows up to 10 redirects; a move to another host is reported instead
- Repeated requests are served from a short-lived cache

Usage:
- url: Full URL to fetch (http/https)`,
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"url": {
					Type:        "string",
					Description: "Full URL to fetch (http/https)",
				},
			},
			Required: []string{"url"},
		},
	}
}

func (t *webFetch) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	urlStr := strings.TrimSpace(tools.StringArg(call.Arguments, "url"))
	if denied := tools.CheckURL(t.policy, urlStr); denied != nil {
		return tools.Failure(call, denied), nil
	}

	content, finalURL, err := t.fetchContent(ctx, urlStr)
	if err != nil {
		return tools.Failure(call, err), nil
	}

	if getHost(urlStr) != getHost(finalURL) {
		return &tools.ToolResult{
			CallID: call.ID,
			Content: fmt.Sprintf("URL redirected to a different host:\n\n"+
				"Original: %s\n"+
				"Redirect: %s\n\n"+
				"Make a new request with the redirect URL.", urlStr, finalURL),
			Metadata: map[string]any{
				"redirected":   true,
				"original_url": urlStr,
				"redirect_url": finalURL,
			},
		}, nil
	}

	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  fmt.Sprintf("Source: %s\n\n%s", finalURL, content),
		Metadata: map[string]any{"url": finalURL, "length": len(content)},
	}, nil
}

// fetchContent returns the page text and the final URL after redirects.
func (t *webFetch) fetchContent(ctx context.Context, urlStr string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", "", agenterrors.Runtime(fmt.Errorf("create request: %w", err), false)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		var toolErr *agenterrors.ToolError
		if errors.As(err, &toolErr) {
			return "", "", toolErr
		}
		return "", "", agenterrors.Runtime(fmt.Errorf("HTTP request: %w", err), agenterrors.IsTransient(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, _, err := httpclient.ReadAllWithLimit(resp.Body, maxFetchBytes, true)
	if err != nil {
		return "", "", agenterrors.Runtime(fmt.Errorf("read response: %w", err), true)
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := agenterrors.HTTPStatusError(resp.StatusCode, truncateContent(string(body), 200))
		return "", "", agenterrors.Runtime(statusErr, agenterrors.IsTransient(statusErr))
	}

	var content string
	if isHTML(resp.Header.Get("Content-Type"), body) {
		content, err = htmlToText(string(body))
		if err != nil {
			return "", "", agenterrors.Runtime(fmt.Errorf("parse HTML: %w", err), false)
		}
	} else {
		content = strings.TrimSpace(string(body))
	}
	return truncateContent(content, maxFetchContent), resp.Request.URL.String(), nil
}

func isHTML(contentType string, body []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType == "text/html" || mediaType == "application/xhtml+xml"
	}
	return strings.Contains(strings.ToLower(http.DetectContentType(body)), "html")
}

// htmlToText converts HTML to clean markdown-like text
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside, iframe, noscript").Remove()

	var content strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		content.WriteString("# " + title + "\n\n")
	}

	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := collapseSpace(s.Text())
		if text == "" {
			return
		}
		tag := goquery.NodeName(s)
		switch {
		case len(tag) == 2 && tag[0] == 'h':
			content.WriteString(strings.Repeat("#", int(tag[1]-'0')) + " " + text + "\n\n")
		case tag == "li":
			content.WriteString("- " + text + "\n")
		default:
			content.WriteString(text + "\n\n")
		}
	})

	result := strings.TrimSpace(content.String())
	if result == "" || !strings.Contains(result, "\n") {
		if body := collapseSpace(doc.Find("body").Text()); body != "" {
			if result != "" {
				result += "\n\n"
			}
			result += body
		}
	}
	return result, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateContent(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n\n[Content truncated...]"
}

func getHost(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
