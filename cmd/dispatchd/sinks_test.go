package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teacurran/village-dispatch/handlers"
)

func TestHTTPTagger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tagRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		tags := make(map[string][]string, len(req.Items))
		for _, it := range req.Items {
			tags[it.ContentID] = []string{req.Provider, it.Content}
		}
		_ = json.NewEncoder(w).Encode(tagReply{Tags: tags, InputTokens: 10, OutputTokens: 2})
	}))
	defer srv.Close()

	resp, err := newHTTPTagger(srv.URL).Tag(context.Background(), "anthropic",
		[]handlers.TagItem{{ContentID: "c1", Content: "garden"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "garden"}, resp.Tags["c1"])
	assert.Equal(t, int64(10), resp.InputTokens)
	assert.Equal(t, int64(2), resp.OutputTokens)
}

func TestHTTPTagger_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newHTTPTagger(srv.URL).Tag(context.Background(), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestFileScreenshotSink(t *testing.T) {
	dir := t.TempDir()
	sink := fileScreenshotSink{dir: dir}

	require.NoError(t, sink.SaveScreenshot(context.Background(), "site/../x", "https://example.com", []byte("png")))

	matches, err := filepath.Glob(filepath.Join(dir, "site_.._x", "*.png"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}

func TestNewRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"worker", "serve", "enqueue", "budget", "queues", "dead", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	dead, _, err := root.Find([]string{"dead", "replay"})
	require.NoError(t, err)
	assert.Equal(t, "replay", dead.Name())
}
