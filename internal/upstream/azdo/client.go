// Package azdo reads sprints and work items from the Azure DevOps REST API.
package azdo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aeiouboy/ris-pdm-performance/internal/upstream"
)

const (
	apiVersion = "7.0"
	batchSize  = 200
)

var workItemFields = []string{
	"System.Id",
	"System.WorkItemType",
	"System.State",
	"System.Title",
	"System.AssignedTo",
	"Microsoft.VSTS.Scheduling.StoryPoints",
}

// HTTPClient lets tests swap the transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client.
type Config struct {
	// Organization is the base URL, e.g. https://dev.azure.com/acme.
	Organization string
	PAT          string
	Timeout      time.Duration
	HTTPClient   HTTPClient
}

// Client implements upstream.Adapter against Azure DevOps.
type Client struct {
	base   string
	auth   string
	http   HTTPClient
	logger *slog.Logger
}

// New returns a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		base:   strings.TrimRight(cfg.Organization, "/"),
		auth:   "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+cfg.PAT)),
		http:   hc,
		logger: logger.With("component", "azdo"),
	}
}

type iteration struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Attributes struct {
		StartDate  *time.Time `json:"startDate"`
		FinishDate *time.Time `json:"finishDate"`
		TimeFrame  string     `json:"timeFrame"`
	} `json:"attributes"`
}

func (it iteration) sprint() upstream.Sprint {
	return upstream.Sprint{
		ID:         it.ID,
		Name:       it.Name,
		Path:       it.Path,
		StartDate:  it.Attributes.StartDate,
		FinishDate: it.Attributes.FinishDate,
		TimeFrame:  it.Attributes.TimeFrame,
	}
}

// SprintDates lists the team's iterations with their dates.
func (c *Client) SprintDates(ctx context.Context, project, team string) ([]upstream.Sprint, error) {
	var body struct {
		Value []iteration `json:"value"`
	}
	if err := c.get(ctx, c.teamURL(project, team, "_apis/work/teamsettings/iterations", nil), &body); err != nil {
		return nil, err
	}
	out := make([]upstream.Sprint, 0, len(body.Value))
	for _, it := range body.Value {
		out = append(out, it.sprint())
	}
	return out, nil
}

// CurrentSprintWorkItems returns the work items of the team's current
// iteration.
func (c *Client) CurrentSprintWorkItems(ctx context.Context, project, team string) ([]upstream.WorkItem, error) {
	var current struct {
		Value []iteration `json:"value"`
	}
	q := url.Values{"$timeframe": {"current"}}
	if err := c.get(ctx, c.teamURL(project, team, "_apis/work/teamsettings/iterations", q), &current); err != nil {
		return nil, err
	}
	if len(current.Value) == 0 {
		return nil, fmt.Errorf("azdo: no current iteration for %s/%s: %w", project, team, upstream.ErrNotFound)
	}

	var rel struct {
		WorkItemRelations []struct {
			Target struct {
				ID int `json:"id"`
			} `json:"target"`
		} `json:"workItemRelations"`
	}
	path := "_apis/work/teamsettings/iterations/" + url.PathEscape(current.Value[0].ID) + "/workitems"
	if err := c.get(ctx, c.teamURL(project, team, path, nil), &rel); err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(rel.WorkItemRelations))
	ids := make([]int, 0, len(rel.WorkItemRelations))
	for _, r := range rel.WorkItemRelations {
		if r.Target.ID != 0 && !seen[r.Target.ID] {
			seen[r.Target.ID] = true
			ids = append(ids, r.Target.ID)
		}
	}
	return c.workItems(ctx, project, ids)
}

func (c *Client) workItems(ctx context.Context, project string, ids []int) ([]upstream.WorkItem, error) {
	out := make([]upstream.WorkItem, 0, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		var body struct {
			Value []struct {
				ID     int                        `json:"id"`
				Fields map[string]json.RawMessage `json:"fields"`
			} `json:"value"`
		}
		req := map[string]any{"ids": ids[start:end], "fields": workItemFields}
		target := c.base + "/" + url.PathEscape(project) + "/_apis/wit/workitemsbatch?api-version=" + apiVersion
		if err := c.post(ctx, target, req, &body); err != nil {
			return nil, err
		}
		for _, v := range body.Value {
			out = append(out, decodeWorkItem(v.ID, v.Fields))
		}
	}
	return out, nil
}

func decodeWorkItem(id int, fields map[string]json.RawMessage) upstream.WorkItem {
	str := func(name string) string {
		var s string
		_ = json.Unmarshal(fields[name], &s)
		return s
	}
	wi := upstream.WorkItem{
		ID:    id,
		Type:  str("System.WorkItemType"),
		State: str("System.State"),
		Title: str("System.Title"),
	}
	// AssignedTo is an identity object in current API versions and a plain
	// string in older ones.
	var who struct {
		DisplayName string `json:"displayName"`
	}
	if raw := fields["System.AssignedTo"]; len(raw) > 0 {
		if err := json.Unmarshal(raw, &who); err == nil {
			wi.AssignedTo = who.DisplayName
		} else {
			wi.AssignedTo = str("System.AssignedTo")
		}
	}
	if raw := fields["Microsoft.VSTS.Scheduling.StoryPoints"]; len(raw) > 0 {
		var sp float64
		if err := json.Unmarshal(raw, &sp); err == nil {
			wi.StoryPoints = &sp
		}
	}
	return wi
}

func (c *Client) teamURL(project, team, path string, q url.Values) string {
	var b strings.Builder
	b.WriteString(c.base)
	b.WriteString("/")
	b.WriteString(url.PathEscape(project))
	if team != "" {
		b.WriteString("/")
		b.WriteString(url.PathEscape(team))
	}
	b.WriteString("/")
	b.WriteString(path)
	if q == nil {
		q = url.Values{}
	}
	q.Set("api-version", apiVersion)
	b.WriteString("?")
	b.WriteString(q.Encode())
	return b.String()
}

func (c *Client) get(ctx context.Context, target string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(req, dst)
}

func (c *Client) post(ctx context.Context, target string, body, dst any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dst)
}

func (c *Client) do(req *http.Request, dst any) error {
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("azdo: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("azdo request", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("azdo: %s: %w", req.URL.Path, upstream.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("azdo: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("azdo: decode %s: %w", req.URL.Path, err)
	}
	return nil
}
