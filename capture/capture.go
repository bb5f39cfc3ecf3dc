package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Placeholders substituted in Command arguments.
const (
	PlaceholderURL = "{url}"
	PlaceholderOut = "{out}"
)

// ErrEmptyOutput is returned when the process exits cleanly but writes
// no image.
var ErrEmptyOutput = errors.New("capture: process produced no output")

// ErrInvalidURL is returned for a page URL that cannot be captured.
var ErrInvalidURL = errors.New("capture: invalid url")

// Capturer renders a page into image bytes.
type Capturer interface {
	Capture(ctx context.Context, pageURL string) ([]byte, error)
}

// Func adapts a function to Capturer.
type Func func(ctx context.Context, pageURL string) ([]byte, error)

// Capture implements Capturer.
func (f Func) Capture(ctx context.Context, pageURL string) ([]byte, error) { return f(ctx, pageURL) }

// Command runs an external headless browser per capture. The process is
// killed when ctx is done.
type Command struct {
	// Path is the executable, looked up in PATH when not absolute.
	Path string
	// Args may contain {url} and {out}. When no argument holds {out} the
	// image is read from stdout.
	Args []string
	// TempDir holds output files. Empty uses os.TempDir.
	TempDir string
	// KillGrace is how long the process gets after cancellation before
	// its pipes are forcibly closed.
	KillGrace time.Duration

	Logger *slog.Logger
}

// Chromium returns a Command for a chromium-compatible binary.
func Chromium(path string, width, height int) *Command {
	if path == "" {
		path = "chromium"
	}
	return &Command{
		Path: path,
		Args: []string{
			"--headless=new",
			"--disable-gpu",
			"--no-sandbox",
			"--hide-scrollbars",
			fmt.Sprintf("--window-size=%d,%d", width, height),
			"--screenshot=" + PlaceholderOut,
			PlaceholderURL,
		},
		KillGrace: 5 * time.Second,
	}
}

var _ Capturer = (*Command)(nil)

// Capture implements Capturer.
func (c *Command) Capture(ctx context.Context, pageURL string) ([]byte, error) {
	if err := ValidateURL(pageURL); err != nil {
		return nil, err
	}

	out, err := os.CreateTemp(c.TempDir, "capture-*.png")
	if err != nil {
		return nil, fmt.Errorf("capture: temp file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()
	defer os.Remove(outPath)

	args, toFile := c.expand(pageURL, outPath)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.WaitDelay = c.KillGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	c.logger().Debug("capture process finished",
		slog.String("url", pageURL),
		slog.String("command", filepath.Base(c.Path)),
		slog.Duration("elapsed", time.Since(start)),
	)
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("capture: %s: %w", pageURL, ctxErr)
		}
		return nil, fmt.Errorf("capture: %s: %w: %s", pageURL, runErr, tail(stderr.String()))
	}

	var img []byte
	if toFile {
		img, err = os.ReadFile(outPath)
		if err != nil {
			return nil, fmt.Errorf("capture: read output: %w", err)
		}
	} else {
		img = stdout.Bytes()
	}
	if len(img) == 0 {
		return nil, ErrEmptyOutput
	}
	return img, nil
}

func (c *Command) expand(pageURL, outPath string) ([]string, bool) {
	toFile := false
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		if strings.Contains(a, PlaceholderOut) {
			toFile = true
		}
		a = strings.ReplaceAll(a, PlaceholderOut, outPath)
		args[i] = strings.ReplaceAll(a, PlaceholderURL, pageURL)
	}
	return args, toFile
}

func (c *Command) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ValidateURL checks that raw is an absolute http(s) URL. Failures wrap
// ErrInvalidURL.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidURL, raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w %q: need absolute http(s)", ErrInvalidURL, raw)
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return "..." + s[len(s)-512:]
	}
	return s
}
