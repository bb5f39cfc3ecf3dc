package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/teacurran/village-dispatch/handlers"
)

// httpTagger posts batches to a tagging service:
//
//	POST {url}  {"provider": "...", "items": [{"content_id": "...", "content": "..."}]}
//	200         {"tags": {"<content_id>": ["..."]}, "input_tokens": 0, "output_tokens": 0}
type httpTagger struct {
	url    string
	client *http.Client
}

func newHTTPTagger(url string) *httpTagger {
	return &httpTagger{url: url, client: &http.Client{Timeout: 90 * time.Second}}
}

type tagRequest struct {
	Provider string             `json:"provider"`
	Items    []handlers.TagItem `json:"items"`
}

type tagReply struct {
	Tags         map[string][]string `json:"tags"`
	InputTokens  int64               `json:"input_tokens"`
	OutputTokens int64               `json:"output_tokens"`
}

func (t *httpTagger) Tag(ctx context.Context, provider string, items []handlers.TagItem) (handlers.TagResponse, error) {
	body, err := json.Marshal(tagRequest{Provider: provider, Items: items})
	if err != nil {
		return handlers.TagResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return handlers.TagResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return handlers.TagResponse{}, fmt.Errorf("tagger: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return handlers.TagResponse{}, fmt.Errorf("tagger: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var reply tagReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return handlers.TagResponse{}, fmt.Errorf("tagger: decode: %w", err)
	}
	return handlers.TagResponse{
		Tags:         reply.Tags,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
	}, nil
}

// logTagSink reports tags in the process log. The content service reads
// them from its own ingestion path.
type logTagSink struct {
	logger *slog.Logger
}

func (s logTagSink) SaveTags(_ context.Context, contentID string, tags []string, source handlers.TagSource) error {
	s.logger.Info("content tagged",
		slog.String("content_id", contentID),
		slog.Any("tags", tags),
		slog.String("source", string(source)),
	)
	return nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// fileScreenshotSink writes <dir>/<site_id>/<unix-nanos>.png.
type fileScreenshotSink struct {
	dir string
}

func (s fileScreenshotSink) SaveScreenshot(_ context.Context, siteID, _ string, image []byte) error {
	siteDir := filepath.Join(s.dir, unsafeName.ReplaceAllString(siteID, "_"))
	if err := os.MkdirAll(siteDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%d.png", time.Now().UnixNano())
	return os.WriteFile(filepath.Join(siteDir, name), image, 0o644)
}
