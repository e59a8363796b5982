package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sebas/agibridge/internal/store"
)

// ErrNoTTS is returned by Speech when no TTS endpoint is configured.
var ErrNoTTS = errors.New("no TTS endpoint configured")

// maxAudioBytes bounds a single fetched prompt (about 10 minutes of 16-bit
// 8 kHz audio).
const maxAudioBytes = 10 << 20

// LoaderConfig configures prompt fetching.
type LoaderConfig struct {
	// TTSURL is a template with {voice} and {text} placeholders
	TTSURL   string
	Client   *http.Client
	CacheTTL time.Duration
}

// Loader fetches prompts and converts them to µ-law frames. Fetched audio
// is cached by URI; synthesized speech is not.
type Loader struct {
	cfg   LoaderConfig
	cache *store.TTLStore[string, []byte]
	log   *slog.Logger
}

// NewLoader creates a loader. Close releases its cache.
func NewLoader(cfg LoaderConfig, logger *slog.Logger) *Loader {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		cfg:   cfg,
		cache: store.NewTTLStore[string, []byte](time.Minute, nil),
		log:   logger,
	}
}

// IsAudioURI reports whether s names audio rather than text to speak.
func IsAudioURI(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "file://")
}

// Audio returns the µ-law payload of the WAV file at uri.
func (l *Loader) Audio(ctx context.Context, uri string) ([]byte, error) {
	if ulaw, ok := l.cache.Get(uri); ok {
		return ulaw, nil
	}
	ulaw, err := l.fetchWAV(ctx, uri)
	if err != nil {
		return nil, err
	}
	l.cache.Set(uri, ulaw, l.cfg.CacheTTL)
	return ulaw, nil
}

// Speech synthesizes text with voice through the TTS endpoint.
func (l *Loader) Speech(ctx context.Context, text, voice string) ([]byte, error) {
	if l.cfg.TTSURL == "" {
		return nil, ErrNoTTS
	}
	uri := strings.NewReplacer(
		"{voice}", url.QueryEscape(voice),
		"{text}", url.QueryEscape(text),
	).Replace(l.cfg.TTSURL)
	return l.fetchWAV(ctx, uri)
}

func (l *Loader) fetchWAV(ctx context.Context, uri string) ([]byte, error) {
	data, err := l.fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	audio, err := DecodeWAV(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", uri, err)
	}
	ulaw, err := audio.ToULaw()
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", uri, err)
	}
	l.log.Debug("[Media] Prompt loaded", "uri", uri, "bytes", len(ulaw))
	return ulaw, nil
}

func (l *Loader) fetch(ctx context.Context, uri string) ([]byte, error) {
	if path, ok := strings.CutPrefix(uri, "file://"); ok {
		return os.ReadFile(path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", uri, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
}

// Close stops the cache sweeper.
func (l *Loader) Close() {
	l.cache.Close()
}
