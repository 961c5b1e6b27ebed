package llmtag

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Models that expose their reasoning wrap it in <think> tags ahead of
// the actual answer.
var thinkBlockRe = regexp.MustCompile(`(?is)<think>.*?</think>`)

// Normalize converts a raw model reply into a clean, deduplicated tag
// list. Replies are not guaranteed to be well formed - some models
// return a bare JSON array, some wrap it in prose, some just list tags
// separated by commas or newlines - so extraction is two tier: try the
// JSON array first, fall back to lexical splitting. Normalize is total;
// at worst it returns an empty slice.
func Normalize(raw string) []string {
	text := strings.TrimSpace(thinkBlockRe.ReplaceAllString(raw, ""))

	candidates := extractArray(text)
	if candidates == nil {
		sep := "\n"
		if strings.Contains(text, ",") {
			sep = ","
		}
		candidates = strings.Split(text, sep)
		// A conversational reply drags its preamble into the first
		// candidate ("Here are some tags: beach"). The label ends at
		// a colon; keep only what follows it.
		for i, c := range candidates {
			if idx := strings.LastIndex(c, ":"); idx != -1 {
				candidates[i] = c[idx+1:]
			}
		}
	}

	seen := make(map[string]bool)
	tags := make([]string, 0, len(candidates))
	for _, c := range candidates {
		t := cleanTag(c)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags
}

// extractArray pulls a JSON array out of text that may surround it with
// prose, e.g. `Here are your tags: ["a", "b"]`. Returns nil when no
// parseable, non-empty array is present.
func extractArray(text string) []string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end <= start {
		return nil
	}

	var arr []any
	if err := json.Unmarshal([]byte(text[start:end+1]), &arr); err != nil || len(arr) == 0 {
		return nil
	}

	out := make([]string, len(arr))
	for i, v := range arr {
		if s, ok := v.(string); ok {
			out[i] = s
		} else {
			out[i] = fmt.Sprint(v)
		}
	}
	return out
}

// cleanTag canonicalizes a single candidate: trim, strip surrounding
// '#', lowercase, then drop everything outside [a-z0-9 _-]. Candidates
// that clean to nothing or exceed 50 characters are rejected with "".
func cleanTag(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "#")
	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '-':
			b.WriteRune(r)
		}
	}

	t := b.String()
	if len(t) == 0 || len(t) > 50 {
		return ""
	}
	return t
}
