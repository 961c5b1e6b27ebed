// Package stash talks to the host Stash instance: it decodes the JSON
// document the plugin runner passes on stdin and issues the GraphQL
// queries the tagging pass needs.
package stash

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/gjson"
)

// Input is the decoded plugin invocation. The host is loose about
// shapes - settings may arrive as an object or as a list of {key,value}
// pairs, and the server connection block appears under two different
// key spellings - so the raw payload is kept alongside the normalized
// settings map for callers that need to probe it directly.
type Input struct {
	raw      []byte
	settings map[string]string
}

// Decode parses a plugin input document. It never fails outright; a
// payload that is not JSON simply yields an Input with nothing in it.
func Decode(data []byte) *Input {
	in := &Input{raw: data, settings: map[string]string{}}

	// settings wins over pluginSettings when both carry a key.
	for _, field := range []string{"pluginSettings", "settings"} {
		for k, v := range settingsMap(gjson.GetBytes(data, field)) {
			in.settings[k] = v
		}
	}
	return in
}

// settingsMap flattens either accepted settings shape into one map.
func settingsMap(res gjson.Result) map[string]string {
	out := map[string]string{}
	switch {
	case res.IsObject():
		res.ForEach(func(key, value gjson.Result) bool {
			out[key.String()] = value.String()
			return true
		})
	case res.IsArray():
		for _, item := range res.Array() {
			if k := item.Get("key").String(); k != "" {
				out[k] = item.Get("value").String()
			}
		}
	}
	return out
}

// MergeFileSettings reads an optional TOML settings file and merges its
// top-level keys under the host-supplied settings, so values saved
// through the UI always win over the file. A missing file is fine.
func (in *Input) MergeFileSettings(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var cfg map[string]any
	if err := toml.Unmarshal(data, &cfg); err != nil {
		log.Warnf("ignoring malformed settings file %s: %v", path, err)
		return
	}
	for k, v := range cfg {
		if _, ok := in.settings[k]; !ok {
			in.settings[k] = fmt.Sprint(v)
		}
	}
}

// Arg returns the named invocation argument stringified, or "".
func (in *Input) Arg(name string) string {
	return gjson.GetBytes(in.raw, "args."+name).String()
}

// Setting returns the named setting from the normalized map, or "".
func (in *Input) Setting(name string) string {
	return in.settings[name]
}

// RawSetting probes the unnormalized settings payloads for a value,
// accepting both the object and the {key,value} list shape. This
// covers payloads Decode's normalization might not have seen, and is
// one step of the base URL fallback chain.
func (in *Input) RawSetting(name string) string {
	for _, field := range []string{"settings", "pluginSettings"} {
		res := gjson.GetBytes(in.raw, field)
		switch {
		case res.IsObject():
			if v := res.Get(name); v.Exists() {
				return v.String()
			}
		case res.IsArray():
			for _, item := range res.Array() {
				if item.Get("key").String() == name {
					return item.Get("value").String()
				}
			}
		}
	}
	return ""
}

// IsTask reports whether this invocation asked for the named task,
// either through the host's task argument or through args.mode.
func (in *Input) IsTask(name string) bool {
	return in.Arg("task") == name || in.Arg("mode") == name
}

// serverConnection returns whichever spelling of the connection block
// the host used.
func (in *Input) serverConnection() gjson.Result {
	sc := gjson.GetBytes(in.raw, "server_connection")
	if !sc.Exists() {
		sc = gjson.GetBytes(in.raw, "serverConnection")
	}
	return sc
}

// PluginDir returns the directory the plugin was loaded from, falling
// back to the directory of the running executable when the host did
// not say.
func (in *Input) PluginDir() string {
	sc := in.serverConnection()
	for _, key := range []string{"plugin_dir", "PluginDir", "pluginDir"} {
		if v := strings.TrimSpace(sc.Get(key).String()); v != "" {
			return v
		}
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
