package sipcall

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sebas/agibridge/internal/media"
)

// recorder stores finished recordings as WAV, locally or by HTTP upload.
type recorder struct {
	dir    string
	client *http.Client
	log    *slog.Logger
	seq    atomic.Uint64
}

func newRecorder(dir string, logger *slog.Logger) *recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &recorder{
		dir:    dir,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    logger,
	}
}

// save writes pcm to target and returns where it went. An empty target
// names a file in the recordings directory.
func (r *recorder) save(ctx context.Context, callID, target, method string, pcm []byte) (string, error) {
	var buf bytes.Buffer
	if err := media.EncodeWAV(&buf, pcm); err != nil {
		return "", fmt.Errorf("encode recording: %w", err)
	}

	lower := strings.ToLower(target)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return target, r.upload(ctx, target, method, buf.Bytes())
	case target == "":
		if r.dir == "" {
			return "", fmt.Errorf("no recordings directory configured")
		}
		target = filepath.Join(r.dir, fmt.Sprintf("%s-%d.wav", callID, r.seq.Add(1)))
	default:
		target = strings.TrimPrefix(target, "file://")
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create recording directory: %w", err)
	}
	if err := os.WriteFile(target, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write recording: %w", err)
	}
	r.log.Debug("[Call] Recording written", "path", target, "bytes", buf.Len())
	return "file://" + target, nil
}

func (r *recorder) upload(ctx context.Context, uri, method string, wav []byte) error {
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), uri, bytes.NewReader(wav))
	if err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("upload recording to %s: unexpected status %s", uri, resp.Status)
	}
	r.log.Debug("[Call] Recording uploaded", "uri", uri, "bytes", len(wav))
	return nil
}
