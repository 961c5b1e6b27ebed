package llmtag

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/chriskillpack/llmtag/internal/stash"
)

const (
	DefaultBaseURL   = "http://localhost:11434/v1"
	DefaultModel     = "gemma3:4b-it-q8_0"
	DefaultTemp      = 0.7
	DefaultMaxTokens = -1
	DefaultTimeout   = 3600 * time.Second

	// DefaultPrompt is the tagging instruction sent as the system
	// message. Override with LLM_TAG_PROMPT.
	DefaultPrompt = "You are a tagging assistant. Look carefully at the image and return ONLY a JSON array " +
		"of 1-4 short, general-purpose tags that DIRECTLY describe what is clearly visible in the image. " +
		"Choose the few most salient tags; fewer is fine when appropriate (as low as 1). " +
		"Use lowercase ASCII letters/digits; multiword tags may contain spaces. " +
		"Do NOT use dashes; use spaces between words. " +
		"Do NOT guess or infer hidden attributes. Include a tag only if it is clearly visible in the image. " +
		"No private data, no people-identification or names, no hashes, no numbering, no explanations, " +
		"no code fences, no extra text."
)

// Configuration holds every knob the tagging pass needs. It is resolved
// once per invocation and immutable afterward; no field is left unset.
type Configuration struct {
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	APIKey       string
	SystemPrompt string
	DebugTracing bool
}

// source yields a candidate value for a setting. A blank or
// whitespace-only result means the source has nothing to offer.
type source func() string

// firstOf walks sources in priority order and returns the first
// non-blank value, trimmed. def is returned when every source is empty.
func firstOf(def string, sources ...source) string {
	for _, src := range sources {
		if v := strings.TrimSpace(src()); v != "" {
			return v
		}
	}
	return def
}

// ResolveConfig produces the Configuration for this invocation.
//
// The base URL falls through six sources so that an explicit caller
// choice is never overridden by stale saved state: the invocation
// argument, the normalized settings, the raw settings payload (shapes
// the normalizer might not cover), a configuration query back to the
// host, the environment, and finally the built-in default. The scalar
// parameters use the shorter setting -> environment -> default chain.
//
// Source lookups never fail resolution; they just fall through. A
// numeric value that did resolve but does not parse is a hard error -
// silently defaulting over an explicit bad value would hide the typo.
func ResolveConfig(ctx context.Context, in *stash.Input, client *stash.Client) (Configuration, error) {
	cfg := Configuration{
		BaseURL: strings.TrimRight(firstOf(DefaultBaseURL,
			func() string { return in.Arg("llmBaseUrl") },
			func() string { return in.Setting("llmBaseUrl") },
			func() string { return in.RawSetting("llmBaseUrl") },
			func() string { return client.PluginSetting(ctx, "llmBaseUrl") },
			func() string { return os.Getenv("LLM_BASE_URL") },
		), "/"),
		Model: firstOf(DefaultModel,
			func() string { return in.Setting("llmModel") },
			func() string { return os.Getenv("LLM_MODEL") },
		),
		APIKey:       firstOf("none", func() string { return os.Getenv("LLM_API_KEY") }),
		SystemPrompt: firstOf(DefaultPrompt, func() string { return os.Getenv("LLM_TAG_PROMPT") }),
	}

	var err error
	cfg.Temperature, err = resolveFloat(in, "llmTemp", "LLM_TEMP", DefaultTemp)
	if err != nil {
		return Configuration{}, err
	}
	cfg.MaxTokens, err = resolveInt(in, "llmMaxTokens", "LLM_MAX_TOKENS", DefaultMaxTokens)
	if err != nil {
		return Configuration{}, err
	}
	secs, err := resolveFloat(in, "llmTimeout", "LLM_TIMEOUT", DefaultTimeout.Seconds())
	if err != nil {
		return Configuration{}, err
	}
	cfg.Timeout = time.Duration(secs * float64(time.Second))

	if v := in.Setting("zzdebugTracing"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			log.Warnf("ignoring unparseable zzdebugTracing value %q", v)
		}
		cfg.DebugTracing = b
	}

	return cfg, nil
}

func resolveFloat(in *stash.Input, setting, env string, def float64) (float64, error) {
	v := firstOf("",
		func() string { return in.Setting(setting) },
		func() string { return os.Getenv(env) },
	)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", setting, v, err)
	}
	return f, nil
}

func resolveInt(in *stash.Input, setting, env string, def int) (int, error) {
	v := firstOf("",
		func() string { return in.Setting(setting) },
		func() string { return os.Getenv(env) },
	)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", setting, v, err)
	}
	return n, nil
}
