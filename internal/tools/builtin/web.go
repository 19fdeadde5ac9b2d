package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/valethq/valet/internal/permission"
	"github.com/valethq/valet/internal/safety"
	"github.com/valethq/valet/internal/tools"
	"github.com/valethq/valet/pkg/api"
)

const defaultMaxFetchBytes = 512 << 10

const fetchUserAgent = "valet/1.0 (+https://github.com/valethq/valet)"

// httpClient is shared by the network builtins. No automatic redirects past
// validation: every redirect target is re-validated before following.
var httpClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return fmt.Errorf("too many redirects")
		}
		return safety.ValidateURL(req.URL.String())
	},
}

func webFetchSpec(cfg Config) tools.Spec {
	return tools.Spec{
		Name:        "web_fetch",
		Description: "Fetch a web page over HTTP(S) and return its body as text.",
		Params: []tools.Param{
			{Name: "url", Type: "string", Description: "Absolute http or https URL", Required: true},
		},
		Permission:       permission.Local,
		Cacheable:        true,
		NetworkDependent: true,
		Sanitize: func(args map[string]any) error {
			return safety.ValidateURL(stringArg(args, "url"))
		},
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			return fetchURL(ctx, stringArg(args, "url"), cfg.MaxFetchBytes)
		},
	}
}

func fetchURL(ctx context.Context, rawURL string, maxBytes int64) tools.Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return tools.Fail(api.ErrUnsafeInput, fmt.Sprintf("invalid url: %v", err))
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,text/plain,application/json;q=0.9,*/*;q=0.5")

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tools.Fail(api.ErrTimeout, "fetch timed out")
		}
		return tools.Fail(api.ErrTransient, fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return tools.Fail(api.ErrTransient, fmt.Sprintf("fetch returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return tools.Fail(api.ErrTransient, fmt.Sprintf("read body: %v", err))
	}

	text := string(body)
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		text = stripHTML(text)
	}
	return tools.Ok(strings.TrimSpace(text))
}

// stripHTML reduces a page to its visible text: script and style blocks
// dropped, tags removed, entities left alone. Good enough for model
// consumption; this is not a browser.
func stripHTML(s string) string {
	for _, block := range []string{"script", "style"} {
		for {
			lower := strings.ToLower(s)
			start := strings.Index(lower, "<"+block)
			if start < 0 {
				break
			}
			end := strings.Index(lower[start:], "</"+block+">")
			if end < 0 {
				s = s[:start]
				break
			}
			s = s[:start] + s[start+end+len(block)+3:]
		}
	}

	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// webSearchSpec queries the DuckDuckGo instant-answer API, which needs no
// credentials and returns JSON.
func webSearchSpec(cfg Config) tools.Spec {
	return tools.Spec{
		Name:        "web_search",
		Description: "Search the web and return a short list of results.",
		Params: []tools.Param{
			{Name: "query", Type: "string", Description: "Search terms", Required: true},
			{Name: "max_results", Type: "integer", Description: "Result cap", Default: float64(5)},
		},
		Permission:       permission.Local,
		Cacheable:        true,
		NetworkDependent: true,
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			return searchWeb(ctx, stringArg(args, "query"), intArg(args, "max_results", 5))
		},
	}
}

type ddgResponse struct {
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Heading       string `json:"Heading"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

// searchEndpoint is a variable so tests can point it at a local server.
var searchEndpoint = "https://api.duckduckgo.com/"

func searchWeb(ctx context.Context, query string, maxResults int) tools.Result {
	if strings.TrimSpace(query) == "" {
		return tools.Fail(api.ErrUnsafeInput, "query is empty")
	}
	if maxResults <= 0 || maxResults > 20 {
		maxResults = 5
	}

	endpoint := searchEndpoint + "?q=" + url.QueryEscape(query) + "&format=json&no_html=1&no_redirect=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return tools.Fail(api.ErrInternal, err.Error())
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tools.Fail(api.ErrTimeout, "search timed out")
		}
		return tools.Fail(api.ErrTransient, fmt.Sprintf("search failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tools.Fail(api.ErrTransient, fmt.Sprintf("search returned status %d", resp.StatusCode))
	}

	var parsed ddgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return tools.Fail(api.ErrTransient, fmt.Sprintf("decode results: %v", err))
	}

	var b strings.Builder
	count := 0
	if parsed.AbstractText != "" {
		fmt.Fprintf(&b, "%s: %s (%s)\n", parsed.Heading, parsed.AbstractText, parsed.AbstractURL)
		count++
	}
	for _, topic := range parsed.RelatedTopics {
		if count >= maxResults {
			break
		}
		if topic.Text == "" || topic.FirstURL == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s)\n", topic.Text, topic.FirstURL)
		count++
	}
	if count == 0 {
		return tools.Ok("no results")
	}
	return tools.Ok(strings.TrimSpace(b.String()))
}
