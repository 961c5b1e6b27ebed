package llmtag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/chriskillpack/llmtag/internal/stash"
)

// fakeHost answers the three GraphQL queries the pass issues.
type fakeHost struct {
	imagePath string
	tagsFail  bool
	existing  []string
}

func (h *fakeHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case strings.Contains(req.Query, "findImage"):
		if h.imagePath == "" {
			fmt.Fprint(w, `{"data":{"findImage":null}}`)
			return
		}
		fmt.Fprintf(w, `{"data":{"findImage":{"paths":{},"files":[{"path":%q}]}}}`, h.imagePath)
	case strings.Contains(req.Query, "findTags"):
		if h.tagsFail {
			http.Error(w, "catalog down", http.StatusInternalServerError)
			return
		}
		type tag struct {
			Name          string   `json:"name"`
			Aliases       []string `json:"aliases"`
			IgnoreAutoTag bool     `json:"ignore_auto_tag"`
		}
		tags := make([]tag, len(h.existing))
		for i, n := range h.existing {
			tags[i] = tag{Name: n, Aliases: []string{}}
		}
		payload, _ := json.Marshal(map[string]any{
			"data": map[string]any{"findTags": map[string]any{"tags": tags}},
		})
		w.Write(payload)
	default:
		fmt.Fprint(w, `{"data":{"configuration":{"plugins":{}}}}`)
	}
}

func newTestTagger(t *testing.T, host *fakeHost, llm http.HandlerFunc) (*Tagger, string) {
	t.Helper()
	t.Setenv("LLM_BASE_URL", "")

	hostSrv := httptest.NewServer(host)
	t.Cleanup(hostSrv.Close)
	llmSrv := httptest.NewServer(llm)
	t.Cleanup(llmSrv.Close)

	dir := t.TempDir()
	u, err := url.Parse(hostSrv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	doc := fmt.Sprintf(`{
		"server_connection":{"Scheme":%q,"Host":%q,"Port":%d,"plugin_dir":%q},
		"args":{"mode":"tag_image_task","image_id":5,"llmBaseUrl":%q}
	}`, u.Scheme, u.Hostname(), port, dir, llmSrv.URL)

	tagger, err := Init(context.Background(), InitOptions{Input: stash.Decode([]byte(doc))})
	if err != nil {
		t.Fatal(err)
	}
	return tagger, dir
}

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0}, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTagImage(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		host := &fakeHost{imagePath: writeTestImage(t), existing: []string{"cat", "beach"}}
		tagger, dir := newTestTagger(t, host, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[{"message":{"content":"<think>looking</think>[\"Cat\", \"cat\", \"Night Sky!\"]"}}]}`)
		})

		tagger.TagImage(context.Background(), 5, "req-1")

		res := readResult(t, filepath.Join(dir, "results", "5_req-1.json"))
		if !slices.Equal(res.Tags, []string{"cat", "night sky"}) {
			t.Errorf("tags = %v", res.Tags)
		}
		if res.Error != nil {
			t.Errorf("error = %q, want null", *res.Error)
		}
	})

	t.Run("no image path is terminal", func(t *testing.T) {
		tagger, dir := newTestTagger(t, &fakeHost{}, func(w http.ResponseWriter, r *http.Request) {
			t.Error("LLM must not be called without an image path")
		})

		tagger.TagImage(context.Background(), 5, "")

		res := readResult(t, filepath.Join(dir, "results", "5.json"))
		if res.Error == nil || *res.Error != "No image path found." {
			t.Errorf("error = %v", res.Error)
		}
		if len(res.Tags) != 0 {
			t.Errorf("tags = %v, want empty", res.Tags)
		}
	})

	t.Run("catalog failure absorbed", func(t *testing.T) {
		host := &fakeHost{imagePath: writeTestImage(t), tagsFail: true}
		tagger, dir := newTestTagger(t, host, func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Error(err)
			}
			// No hint messages when the catalog is unavailable.
			if n := len(body["messages"].([]any)); n != 2 {
				t.Errorf("got %d messages, want 2", n)
			}
			fmt.Fprint(w, `{"choices":[{"message":{"content":"[\"indoor\"]"}}]}`)
		})

		tagger.TagImage(context.Background(), 5, "")

		res := readResult(t, filepath.Join(dir, "results", "5.json"))
		if !slices.Equal(res.Tags, []string{"indoor"}) {
			t.Errorf("tags = %v", res.Tags)
		}
		if res.Error != nil {
			t.Errorf("error = %q, want null", *res.Error)
		}
	})

	t.Run("llm failure lands in result", func(t *testing.T) {
		host := &fakeHost{imagePath: writeTestImage(t)}
		tagger, dir := newTestTagger(t, host, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		})

		tagger.TagImage(context.Background(), 5, "")

		res := readResult(t, filepath.Join(dir, "results", "5.json"))
		if res.Error == nil || !strings.Contains(*res.Error, "503") {
			t.Errorf("error = %v, want wrapped HTTP failure", res.Error)
		}
		if len(res.Tags) != 0 {
			t.Errorf("tags = %v, want empty", res.Tags)
		}
	})
}
