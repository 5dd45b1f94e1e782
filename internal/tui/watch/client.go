package watch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/ductile-worker/internal/activity"
	"github.com/mattjoyce/ductile-worker/internal/api"
	"github.com/mattjoyce/ductile-worker/internal/events"
)

// Client talks to a running worker's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stream  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var h api.HealthzResponse
	err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &h)
	return h, err
}

func (c *Client) Activity(ctx context.Context) (activity.Status, error) {
	var st activity.Status
	err := c.doJSON(ctx, http.MethodGet, "/activity", nil, &st)
	return st, err
}

// Adjust moves the shutdown deadline by delta.
func (c *Client) Adjust(ctx context.Context, delta time.Duration) (activity.Status, error) {
	var st activity.Status
	body := api.AdjustRequest{DeltaSeconds: int64(delta / time.Second)}
	err := c.doJSON(ctx, http.MethodPost, "/activity/adjust", body, &st)
	return st, err
}

// History returns recently completed processes, newest first.
func (c *Client) History(ctx context.Context, kind string, limit int) (api.HistoryResponse, error) {
	path := "/history?limit=" + strconv.Itoa(limit)
	if kind != "" {
		path += "&kind=" + kind
	}
	var h api.HistoryResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &h)
	return h, err
}

// Stream reads the SSE stream until ctx ends or the connection drops. fn is
// called for each event in order. lastID resumes after an earlier stream.
func (c *Client) Stream(ctx context.Context, types string, lastID int64, fn func(events.Event)) error {
	path := "/events"
	if types != "" {
		path += "?types=" + types
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return readSSE(resp.Body, fn)
}

// readSSE parses SSE frames from r. Frames without data are skipped.
func readSSE(r io.Reader, fn func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	var cur events.Event
	var data string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" {
				cur.Data = []byte(data)
				cur.At = time.Now()
				cur.ProcessID = processID(cur.Data)
				fn(cur)
			}
			cur, data = events.Event{}, ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
	return scanner.Err()
}

func processID(data []byte) string {
	var v struct {
		ID string `json:"process_reference_id"`
	}
	_ = json.Unmarshal(data, &v)
	return v.ID
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func responseError(resp *http.Response) error {
	var e api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}
