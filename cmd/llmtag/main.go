// Command llmtag is the Stash plugin entry point. The host passes one
// JSON document on stdin; all real output is the result file written
// beside the plugin, and the final act is always printing "null" so
// the host sees a valid JSON reply no matter what happened.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"

	"github.com/apex/log"

	"github.com/chriskillpack/llmtag"
	"github.com/chriskillpack/llmtag/internal/stash"
	"github.com/chriskillpack/llmtag/internal/stashlog"
)

// settingsFile holds defaults merged under host-supplied settings, the
// plugin-local analog of values saved through the UI.
const settingsFile = "llmtag.toml"

func main() {
	log.SetHandler(stashlog.New(nil))
	log.SetLevel(log.InfoLevel)

	// Required by the host's raw plugin interface regardless of
	// outcome, so it is deferred past any panic in the pass.
	defer emitNull(os.Stdout)

	run(os.Stdin)
}

// emitNull prints the host's expected JSON reply. It absorbs a panic
// first so the reply still goes out and the host does not see a hard
// crash.
func emitNull(w io.Writer) {
	if r := recover(); r != nil {
		log.Errorf("panic in tagging pass: %v\n%s", r, debug.Stack())
	}
	fmt.Fprintln(w, "null")
}

func run(stdin io.Reader) {
	data, err := io.ReadAll(stdin)
	if err != nil {
		log.Errorf("reading plugin input: %v", err)
		return
	}

	in := stash.Decode(data)
	in.MergeFileSettings(filepath.Join(in.PluginDir(), settingsFile))

	if v, _ := strconv.ParseBool(in.Setting("zzdebugTracing")); v {
		log.SetLevel(log.DebugLevel)
	}

	if !in.IsTask(llmtag.TaskName) {
		log.Debugf("no task specified, nothing to do")
		return
	}

	rawID := in.Arg("image_id")
	if rawID == "" {
		log.Errorf("no image_id supplied to %s", llmtag.TaskName)
		return
	}
	imageID, err := strconv.Atoi(rawID)
	if err != nil {
		log.Errorf("bad image_id %q: %v", rawID, err)
		return
	}
	requestID := in.Arg("request_id")

	ctx := context.Background()
	t, err := llmtag.Init(ctx, llmtag.InitOptions{Input: in})
	if err != nil {
		// Configuration errors abort before any model call, but the
		// caller still gets a result to poll for.
		log.Errorf("configuration error: %v", err)
		if werr := llmtag.NewStore(in.PluginDir()).Write(imageID, nil, err.Error(), requestID); werr != nil {
			log.Errorf("writing result for image %d: %v", imageID, werr)
		}
		return
	}

	if t.Config.DebugTracing {
		log.Debugf("using base_url=%q model=%q temp=%v max_tokens=%d timeout=%s",
			t.Config.BaseURL, t.Config.Model, t.Config.Temperature, t.Config.MaxTokens, t.Config.Timeout)
	}

	t.TagImage(ctx, imageID, requestID)
}
