package appliance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/icholy/digest"

	"github.com/your-org/gatewatch/internal/config"
)

// ErrSessionCreate means the appliance did not return the expected finder
// handle from factory.create.
var ErrSessionCreate = errors.New("appliance did not return a finder handle")

var resultRe = regexp.MustCompile(`result=(\d+)`)

// Client speaks the appliance's CGI protocol: the stateful finder session
// (create → setConditions → findNext → close), media file download and the
// push-event attach stream. All calls authenticate with HTTP Digest.
type Client struct {
	baseURL string
	// http carries a bounded timeout for finder and media calls. stream is a
	// separate client with no timeout: the event feed blocks indefinitely by
	// design and is only terminated by context cancellation.
	http   *http.Client
	stream *http.Client
	parser *WireParser
	loc    *time.Location
}

func NewClient(cfg config.ApplianceConfig, loc *time.Location) *Client {
	if loc == nil {
		loc = time.UTC
	}
	transport := &digest.Transport{
		Username: cfg.Username,
		Password: cfg.Password,
	}
	return &Client{
		baseURL: cfg.BaseURL(),
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		stream: &http.Client{
			Transport: &digest.Transport{
				Username: cfg.Username,
				Password: cfg.Password,
			},
		},
		parser: NewWireParser(loc),
		loc:    loc,
	}
}

// FindConditions filter a finder session before pagination starts.
type FindConditions struct {
	Channel   int
	StartTime time.Time
	EndTime   time.Time
	Events    []string
}

// CreateFinder requests a new finder object and returns its opaque handle.
func (c *Client) CreateFinder(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/cgi-bin/mediaFileFind.cgi", url.Values{
		"action": {"factory.create"},
	})
	if err != nil {
		return "", fmt.Errorf("create finder: %w", err)
	}

	m := resultRe.FindStringSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("%w: unexpected response %q", ErrSessionCreate, firstLine(body))
	}
	return m[1], nil
}

// SetConditions applies the time window, channel and event filters to the
// finder object. The appliance gives no positive acknowledgement beyond
// transport success; the raw response is logged for diagnosability.
func (c *Client) SetConditions(ctx context.Context, object string, cond FindConditions) error {
	q := url.Values{
		"action":              {"findFile"},
		"object":              {object},
		"condition.Channel":   {strconv.Itoa(cond.Channel)},
		"condition.StartTime": {cond.StartTime.In(c.loc).Format(bareTimeLayout)},
		"condition.EndTime":   {cond.EndTime.In(c.loc).Format(bareTimeLayout)},
	}
	for i, ev := range cond.Events {
		q.Set(fmt.Sprintf("condition.Events[%d]", i), ev)
	}

	body, err := c.get(ctx, "/cgi-bin/mediaFileFind.cgi", q)
	if err != nil {
		return fmt.Errorf("set finder conditions: %w", err)
	}
	slog.Debug("finder conditions set", "object", object, "response", firstLine(body))
	return nil
}

// FindNext fetches up to count items from the finder object and parses them.
// It returns the parsed items and the found count reported by the appliance.
func (c *Client) FindNext(ctx context.Context, object string, count int) ([]Fields, int, error) {
	body, err := c.get(ctx, "/cgi-bin/mediaFileFind.cgi", url.Values{
		"action": {"findNextFile"},
		"object": {object},
		"count":  {strconv.Itoa(count)},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("find next page: %w", err)
	}

	items, found := c.parser.ParseItems(body)
	return items, found, nil
}

// CloseFinder releases the finder object on the appliance. Best-effort: the
// session is being torn down regardless, so failures are logged, not raised.
func (c *Client) CloseFinder(ctx context.Context, object string) {
	_, err := c.get(ctx, "/cgi-bin/mediaFileFind.cgi", url.Values{
		"action": {"close"},
		"object": {object},
	})
	if err != nil {
		slog.Warn("close finder", "object", object, "error", err)
	}
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (string, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("appliance request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read appliance response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("appliance returned status %d", resp.StatusCode)
	}
	return string(data), nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			return s[:i]
		}
	}
	return s
}
