package stash

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"testing"
)

// testClient builds a Client pointed at a fake host serving the given
// handler.
func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	doc := fmt.Sprintf(`{"server_connection":{"Scheme":%q,"Host":%q,"Port":%d,"SessionCookie":{"Name":"session","Value":"abc"}}}`,
		u.Scheme, u.Hostname(), port)
	return NewClient(Decode([]byte(doc)), nil)
}

func TestImagePath(t *testing.T) {
	t.Run("prefers served image url", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Variables map[string]string `json:"variables"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Error(err)
			}
			if req.Variables["id"] != "12" {
				t.Errorf("queried id %q, want 12", req.Variables["id"])
			}
			if c, err := r.Cookie("session"); err != nil || c.Value != "abc" {
				t.Error("session cookie not forwarded")
			}
			fmt.Fprint(w, `{"data":{"findImage":{"paths":{"image":"http://host/image/12"},"files":[{"path":"/data/12.jpg"}]}}}`)
		})

		path, err := c.ImagePath(context.Background(), 12)
		if err != nil {
			t.Fatal(err)
		}
		if path != "http://host/image/12" {
			t.Errorf("path = %q", path)
		}
	})

	t.Run("falls back to file path", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":{"findImage":{"paths":{},"files":[{"path":"/data/12.jpg"}]}}}`)
		})
		path, err := c.ImagePath(context.Background(), 12)
		if err != nil {
			t.Fatal(err)
		}
		if path != "/data/12.jpg" {
			t.Errorf("path = %q", path)
		}
	})

	t.Run("unknown image", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":{"findImage":null}}`)
		})
		path, err := c.ImagePath(context.Background(), 99)
		if err != nil {
			t.Fatal(err)
		}
		if path != "" {
			t.Errorf("path = %q, want empty", path)
		}
	})

	t.Run("graphql errors surface", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"errors":[{"message":"boom"}]}`)
		})
		if _, err := c.ImagePath(context.Background(), 1); err == nil || !strings.Contains(err.Error(), "boom") {
			t.Errorf("err = %v, want graphql error with body", err)
		}
	})

	t.Run("http errors surface", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		})
		if _, err := c.ImagePath(context.Background(), 1); err == nil || !strings.Contains(err.Error(), "502") {
			t.Errorf("err = %v, want http status error", err)
		}
	})
}

func TestExistingTags(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"findTags":{"tags":[
			{"name":"beach","aliases":["seaside","beach"],"ignore_auto_tag":false},
			{"name":"private","aliases":["secret"],"ignore_auto_tag":true},
			{"name":"sunset","aliases":[],"ignore_auto_tag":false}
		]}}}`)
	})

	tags, err := c.ExistingTags(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"beach", "seaside", "sunset"}
	if !slices.Equal(tags, want) {
		t.Errorf("tags = %v, want %v", tags, want)
	}
}

func TestPluginSetting(t *testing.T) {
	t.Run("value found under either plugin id", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":{"configuration":{"plugins":{"LLMImageTag":{"llmBaseUrl":"http://saved:1/v1"}}}}}`)
		})
		if got := c.PluginSetting(context.Background(), "llmBaseUrl"); got != "http://saved:1/v1" {
			t.Errorf("PluginSetting = %q", got)
		}
	})

	t.Run("failure absorbed", func(t *testing.T) {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		})
		if got := c.PluginSetting(context.Background(), "llmBaseUrl"); got != "" {
			t.Errorf("PluginSetting = %q, want empty on failure", got)
		}
	})
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Decode([]byte(`{"server_connection":{"Host":"0.0.0.0","Port":9999}}`)), nil)
	if c.Endpoint() != "http://localhost:9999/graphql" {
		t.Errorf("endpoint = %q", c.Endpoint())
	}
}
