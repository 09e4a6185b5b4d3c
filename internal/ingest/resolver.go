// Package ingest normalizes the three accepted audio sources (upload bytes,
// remote URL, base64 payload) into local temporary files. Every resolved
// Resource is scoped to the request that asked for it: the caller closes it
// on all exit paths and nothing here outlives the orchestrating call.
package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/echotruth/echotruth/internal/audio"
	"github.com/echotruth/echotruth/pkg/logger"
	"github.com/echotruth/echotruth/pkg/utils"
)

// DefaultMaxBytes is the upload ceiling applied when the config leaves it
// unset (50 MB, matching the public API contract).
const DefaultMaxBytes = 50 << 20

var (
	ErrEmptyPayload    = errors.New("audio payload is empty")
	ErrPayloadTooLarge = errors.New("audio payload too large")
	ErrInvalidEncoding = errors.New("audio payload is not valid base64")
	ErrInvalidURL      = errors.New("invalid audio URL")
	ErrDownloadFailed  = errors.New("audio download failed")
)

// drive share links look like .../file/d/{id}/view
var driveFilePattern = regexp.MustCompile(`/d/([a-zA-Z0-9_-]+)`)

// Resource is a resolved, finite, locally readable audio sample.
type Resource struct {
	Path         string // temp file on disk
	OriginalName string // caller-supplied or derived file name
	Source       string // provenance: original URL or the resolved path
	Size         int64
}

// Close releases the backing temp file. Safe to call more than once.
func (r *Resource) Close() error {
	if r == nil || r.Path == "" {
		return nil
	}
	path := r.Path
	r.Path = ""
	if err := utils.DeleteFile(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type Config struct {
	TempDir    string
	MaxBytes   int64
	HTTPClient *http.Client
}

type Resolver struct {
	tempDir  string
	maxBytes int64
	http     *http.Client
	log      *logger.Logger
}

func NewResolver(cfg Config) *Resolver {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Resolver{
		tempDir:  cfg.TempDir,
		maxBytes: cfg.MaxBytes,
		http:     cfg.HTTPClient,
		log:      logger.GetLogger(),
	}
}

// FromUpload materializes raw uploaded bytes. The size gate runs before any
// file is written or network call attempted.
func (r *Resolver) FromUpload(ctx context.Context, data []byte, filename string) (*Resource, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds limit of %s", ErrPayloadTooLarge,
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(r.maxBytes)))
	}
	return r.writeTemp(data, filename, "")
}

// FromBase64 decodes an inline payload and materializes it.
func (r *Resolver) FromBase64(ctx context.Context, encoded, filename string) (*Resource, error) {
	if strings.TrimSpace(encoded) == "" {
		return nil, ErrEmptyPayload
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return r.FromUpload(ctx, data, filename)
}

// FromURL downloads a remote sample. Google Drive share links are rewritten
// to their direct-download form first; YouTube URLs go through yt-dlp.
func (r *Resolver) FromURL(ctx context.Context, rawURL string) (*Resource, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	if utils.IsYouTubeURL(rawURL) {
		return r.downloadYouTube(ctx, rawURL)
	}

	downloadURL := RewriteDriveURL(rawURL)
	if downloadURL != rawURL {
		r.log.Infof("Rewrote Drive share URL to direct download: %s", downloadURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrDownloadFailed, resp.StatusCode, u.Host)
	}

	// Read one byte past the ceiling so an oversized body is detectable
	// without buffering all of it.
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: remote file exceeds limit of %s", ErrPayloadTooLarge,
			humanize.Bytes(uint64(r.maxBytes)))
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	name := filepath.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = fmt.Sprintf("downloaded_%d.audio", time.Now().UnixMilli())
	}
	return r.writeTemp(data, name, rawURL)
}

// RewriteDriveURL converts a Google Drive share link into the provider's
// direct-download form. Non-Drive URLs pass through unchanged.
func RewriteDriveURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.Contains(strings.ToLower(u.Host), "drive.google.com") {
		return rawURL
	}
	m := driveFilePattern.FindStringSubmatch(u.Path)
	if m == nil {
		return rawURL
	}
	return fmt.Sprintf("https://drive.google.com/uc?id=%s&export=download", m[1])
}

// downloadYouTube extracts the audio track through the yt-dlp binary, the
// same tool the rest of the pipeline uses for YouTube sourcing.
func (r *Resolver) downloadYouTube(ctx context.Context, rawURL string) (*Resource, error) {
	id, err := utils.ExtractYouTubeID(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if err := utils.MakeDir(r.tempDir); err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	outPath := filepath.Join(r.tempDir, fmt.Sprintf("yt_%s_%d.m4a", id, time.Now().UnixNano()))

	cmd := exec.CommandContext(ctx, "yt-dlp",
		"-x",
		"--audio-format", "m4a",
		"--no-playlist",
		"--no-warnings",
		"-o", outPath,
		rawURL,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("%w: yt-dlp: %v: %s", ErrDownloadFailed, err, strings.TrimSpace(stderr.String()))
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: yt-dlp produced no output: %v", ErrDownloadFailed, err)
	}
	if info.Size() > r.maxBytes {
		os.Remove(outPath)
		return nil, fmt.Errorf("%w: extracted audio exceeds limit of %s", ErrPayloadTooLarge,
			humanize.Bytes(uint64(r.maxBytes)))
	}

	res := &Resource{Path: outPath, OriginalName: id + ".m4a", Source: rawURL, Size: info.Size()}
	r.probe(res)
	return res, nil
}

func (r *Resolver) writeTemp(data []byte, filename, source string) (*Resource, error) {
	if err := utils.MakeDir(r.tempDir); err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}

	f, err := os.CreateTemp(r.tempDir, "audio_*"+sanitizeExt(filename))
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("closing temp file: %w", err)
	}

	if source == "" {
		source = f.Name()
	}
	res := &Resource{Path: f.Name(), OriginalName: filename, Source: source, Size: int64(len(data))}
	r.probe(res)
	return res, nil
}

// probe logs WAV format details when available. Failures are expected for
// non-WAV formats and never fail ingestion.
func (r *Resolver) probe(res *Resource) {
	meta, err := audio.ProbeWAV(res.Path)
	if err != nil {
		r.log.Debugf("No WAV metadata for %s: %v", res.OriginalName, err)
		return
	}
	r.log.Debugf("Ingested WAV %s: %d Hz, %d ch, %d bit, %d ms",
		res.OriginalName, meta.SampleRate, meta.Channels, meta.BitDepth, meta.DurationMs)
}

func sanitizeExt(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	return ext
}
