// Package llmtag suggests tags for a Stash image by showing it to a
// vision-capable LLM and normalizing whatever the model replies with.
// One invocation is one sequential pass: resolve configuration, locate
// the image, call the model, clean the tags, persist the result file.
package llmtag

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"

	"github.com/chriskillpack/llmtag/internal/stash"
	"github.com/chriskillpack/llmtag/internal/vision"
)

// TaskName is the identifier the host uses to request a tagging run,
// either as the task name or as args.mode.
const TaskName = "tag_image_task"

type InitOptions struct {
	Input *stash.Input

	HTTPClient *http.Client // if nil, clients built from resolved config
}

// Tagger runs one tagging pass.
type Tagger struct {
	Config Configuration
	Stash  *stash.Client
	Vision *vision.Client
	Store  *Store

	hc *http.Client
}

// Init resolves configuration and wires up the collaborators. It fails
// only on configuration errors; everything downstream is reported
// through the persisted result instead.
func Init(ctx context.Context, opts InitOptions) (*Tagger, error) {
	sc := stash.NewClient(opts.Input, opts.HTTPClient)

	cfg, err := ResolveConfig(ctx, opts.Input, sc)
	if err != nil {
		return nil, err
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &Tagger{
		Config: cfg,
		Stash:  sc,
		Vision: &vision.Client{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Trace:       cfg.DebugTracing,
			HTTPClient:  hc,
		},
		Store: NewStore(opts.Input.PluginDir()),
		hc:    hc,
	}, nil
}

// TagImage runs the pass for one image. It never returns an error;
// every failure is logged and lands in the persisted result so the
// host sees failures as data, not as a crashed plugin.
func (t *Tagger) TagImage(ctx context.Context, imageID int, requestID string) {
	path, err := t.Stash.ImagePath(ctx, imageID)
	if err != nil || path == "" {
		log.Errorf("no image path found for image %d: %v", imageID, err)
		t.persist(imageID, nil, "No image path found.", requestID)
		return
	}

	tags, err := t.tagsFromImage(ctx, path)
	if err != nil {
		log.Errorf("tagging failed for %s: %v", path, err)
		t.persist(imageID, nil, err.Error(), requestID)
		return
	}

	if len(tags) == 0 {
		log.Warnf("no tags returned for image %d", imageID)
	} else {
		log.Infof("suggested tags for image %d: %v", imageID, tags)
	}
	t.persist(imageID, tags, "", requestID)
}

func (t *Tagger) persist(imageID int, tags []string, errMsg, requestID string) {
	if err := t.Store.Write(imageID, tags, errMsg, requestID); err != nil {
		log.Errorf("writing result for image %d: %v", imageID, err)
	}
}

func (t *Tagger) tagsFromImage(ctx context.Context, pathOrURL string) ([]string, error) {
	// The catalog is only a hint; a failed fetch must not sink the
	// pass.
	existing, err := t.Stash.ExistingTags(ctx)
	if err != nil {
		log.Warnf("failed to fetch existing tags: %v", err)
		existing = nil
	}

	img, mimeType, err := t.readImage(ctx, pathOrURL)
	if err != nil {
		return nil, err
	}

	raw, err := t.Vision.Tags(ctx, t.Config.SystemPrompt, img, mimeType, existing)
	if err != nil {
		return nil, err
	}
	log.Debugf("LLM raw output: %s", raw)

	return Normalize(raw), nil
}

// readImage loads the image bytes from a local path or an HTTP URL and
// determines the MIME type to declare in the data URI.
func (t *Tagger) readImage(ctx context.Context, pathOrURL string) ([]byte, string, error) {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return t.fetchImage(ctx, pathOrURL)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(pathOrURL))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	data, err := os.ReadFile(pathOrURL)
	if err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}

func (t *Tagger) fetchImage(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}

	hc := t.hc
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("failed to fetch image URL %s: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return body, mimeType, nil
}
