package stash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	findImageQuery = `query($id: ID!) {
  findImage(id: $id) {
    paths { image }
    files { path }
  }
}`

	findTagsQuery = `query($filter: FindFilterType) {
  findTags(filter: $filter) {
    tags { name aliases ignore_auto_tag }
  }
}`

	pluginConfigQuery = `query($ids: [ID!]) {
  configuration {
    plugins(include: $ids)
  }
}`
)

// pluginIDs are the identifiers this plugin may be registered under.
var pluginIDs = []string{"llm_image_tag", "LLMImageTag"}

// Client issues GraphQL queries against the host that invoked us, using
// the endpoint and session cookie from the plugin input.
type Client struct {
	endpoint string
	cookie   *http.Cookie
	hc       *http.Client
}

// NewClient builds a Client from the invocation's server connection
// block. httpClient may be nil, in which case http.DefaultClient is
// used.
func NewClient(in *Input, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	sc := in.serverConnection()
	scheme := sc.Get("Scheme").String()
	if scheme == "" {
		scheme = "http"
	}
	host := sc.Get("Host").String()
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	port := sc.Get("Port").Int()
	if port == 0 {
		port = 9999
	}

	c := &Client{
		endpoint: fmt.Sprintf("%s://%s:%d/graphql", scheme, host, port),
		hc:       httpClient,
	}
	if name := sc.Get("SessionCookie.Name").String(); name != "" {
		c.cookie = &http.Cookie{Name: name, Value: sc.Get("SessionCookie.Value").String()}
	}
	return c
}

// Endpoint returns the GraphQL URL the client talks to.
func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) graphql(ctx context.Context, query string, vars map[string]any) (gjson.Result, error) {
	body, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return gjson.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("graphql request to %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("graphql http %d from %s: %s", resp.StatusCode, c.endpoint, truncate(raw, 500))
	}

	res := gjson.ParseBytes(raw)
	if errs := res.Get("errors"); errs.IsArray() && len(errs.Array()) > 0 {
		return gjson.Result{}, fmt.Errorf("graphql errors from %s: %s", c.endpoint, truncate([]byte(errs.Raw), 500))
	}
	return res.Get("data"), nil
}

// ImagePath looks up where the image's bytes live, preferring the
// served image URL and falling back to the first file path. An image
// with neither yields ("", nil); the caller decides that is terminal.
func (c *Client) ImagePath(ctx context.Context, id int) (string, error) {
	data, err := c.graphql(ctx, findImageQuery, map[string]any{"id": strconv.Itoa(id)})
	if err != nil {
		return "", err
	}

	img := data.Get("findImage")
	if p := img.Get("paths.image").String(); p != "" {
		return p, nil
	}
	return img.Get("files.0.path").String(), nil
}

// ExistingTags returns every tag name and alias not excluded from
// auto-tagging, deduplicated in first-seen order. The list is only a
// hint to the model, so callers are expected to absorb failures.
func (c *Client) ExistingTags(ctx context.Context) ([]string, error) {
	data, err := c.graphql(ctx, findTagsQuery, map[string]any{
		"filter": map[string]any{"per_page": -1},
	})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var names []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, t := range data.Get("findTags.tags").Array() {
		if t.Get("ignore_auto_tag").Bool() {
			continue
		}
		add(t.Get("name").String())
		for _, a := range t.Get("aliases").Array() {
			add(a.String())
		}
	}
	return names, nil
}

// PluginSetting fetches a plugin setting saved on the host but not
// surfaced in this invocation's payload. Best effort: any failure is
// reported as "no value".
func (c *Client) PluginSetting(ctx context.Context, name string) string {
	data, err := c.graphql(ctx, pluginConfigQuery, map[string]any{"ids": pluginIDs})
	if err != nil {
		return ""
	}

	plugins := data.Get("configuration.plugins")
	for _, id := range pluginIDs {
		if v := strings.TrimSpace(plugins.Get(id).Get(name).String()); v != "" {
			return v
		}
	}
	return ""
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
