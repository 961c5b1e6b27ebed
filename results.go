package llmtag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Result is the record the host polls for after scheduling a tagging
// task. All four fields are always present in the serialized form;
// Tags is [] rather than null when there is nothing to report.
type Result struct {
	ImageID   int      `json:"image_id"`
	Tags      []string `json:"tags"`
	Error     *string  `json:"error"`
	RequestID *string  `json:"request_id"`
}

// Store persists tagging results as one JSON file per
// (imageID, requestID) pair under a results directory.
type Store struct {
	Dir string
}

// NewStore returns a Store rooted at pluginDir/results.
func NewStore(pluginDir string) *Store {
	return &Store{Dir: filepath.Join(pluginDir, "results")}
}

var requestIDUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeRequestID maps a caller-supplied correlation id onto a string
// safe to embed in a filename. Anything outside [A-Za-z0-9_-] becomes
// an underscore, so a hostile id cannot traverse out of the results
// directory.
func sanitizeRequestID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return requestIDUnsafe.ReplaceAllString(id, "_")
}

// Write persists one result record. The record is serialized to a .tmp
// file in the results directory and then renamed over the target, so a
// concurrent reader sees either the previous complete file or the new
// one, never a partial write.
func (s *Store) Write(imageID int, tags []string, errMsg, requestID string) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	if tags == nil {
		tags = []string{}
	}
	rec := Result{ImageID: imageID, Tags: tags}
	if errMsg != "" {
		rec.Error = &errMsg
	}
	safe := sanitizeRequestID(requestID)
	if safe != "" {
		rec.RequestID = &safe
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	name := strconv.Itoa(imageID)
	if safe != "" {
		name += "_" + safe
	}
	final := filepath.Join(s.Dir, name+".json")
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
