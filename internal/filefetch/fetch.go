// Package filefetch implements the three-layer file resolver: a cache
// directory, the local filesystem, and (when worker sessions are linked) a
// distributed fetch over the tool channel.
package filefetch

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolbridge/core/internal/coreerr"
	"github.com/toolbridge/core/internal/corelog"
)

// Source identifies which layer served a fetch.
type Source string

const (
	SourceLocal       Source = "local"
	SourceDistributed Source = "distributed"
)

// Result is the outcome of a successful Fetch.
type Result struct {
	Bytes     []byte
	Mime      string
	Size      int64
	FromCache bool
	Source    Source
}

// DistributedFetcher performs the distributed layer's fetch_file round
// trip. internal/distchannel satisfies this by wrapping Channel.FetchFile.
type DistributedFetcher interface {
	// SessionIDs returns the currently connected worker session ids.
	SessionIDs() []string
	// FetchFile requests path from sessionID and returns base64 content.
	FetchFile(ctx context.Context, sessionID, path string, timeout time.Duration) (content string, err error)
}

const defaultDistributedTimeout = 30 * time.Second

// Options configures a Fetcher.
type Options struct {
	CacheDir      string
	MaxCacheBytes int64 // 0 = unbounded
}

// Fetcher resolves file paths to bytes via the cache, filesystem, and
// distributed layers, in that order.
type Fetcher struct {
	cacheDir      string
	maxCacheBytes int64
	dist          DistributedFetcher
	logger        *corelog.Logger

	mu      sync.Mutex
	hits    atomic.Int64
	misses  atomic.Int64

	onFetch func(source Source)
}

// OnFetch registers a callback invoked once per successful Fetch with the
// layer that served it. Intended for wiring a prometheus counter; nil by
// default.
func (f *Fetcher) OnFetch(fn func(source Source)) {
	f.onFetch = fn
}

// New builds a Fetcher rooted at opts.CacheDir. dist may be nil, in which
// case the distributed layer is always skipped.
func New(opts Options, dist DistributedFetcher, logger *corelog.Logger) *Fetcher {
	return &Fetcher{
		cacheDir:      opts.CacheDir,
		maxCacheBytes: opts.MaxCacheBytes,
		dist:          dist,
		logger:        logger,
	}
}

// cacheKey derives a content-independent key from the normalized path,
// preserving the path's extension for MIME inference.
func cacheKey(path string) (key, ext string) {
	normalized := strings.TrimPrefix(path, "file://")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), filepath.Ext(normalized)
}

func (f *Fetcher) cachePath(path string) string {
	key, ext := cacheKey(path)
	return filepath.Join(f.cacheDir, key+ext)
}

// Fetch resolves path through the cache, filesystem, and distributed
// layers in order; the first layer to succeed short-circuits the rest.
func (f *Fetcher) Fetch(ctx context.Context, path string) (*Result, error) {
	if res, ok := f.fetchFromCache(path); ok {
		f.hits.Add(1)
		f.reportFetch(res.Source)
		return res, nil
	}
	f.misses.Add(1)

	if res, err := f.fetchFromFilesystem(path); err == nil {
		f.reportFetch(res.Source)
		return res, nil
	}

	if f.dist != nil {
		if res, err := f.fetchFromDistributed(ctx, path); err == nil {
			f.reportFetch(res.Source)
			return res, nil
		}
	}

	return nil, coreerr.New(coreerr.KindToolExecutionFailed, "file not found in any layer", map[string]any{"path": path})
}

func (f *Fetcher) reportFetch(source Source) {
	if f.onFetch != nil {
		f.onFetch(source)
	}
}

func (f *Fetcher) fetchFromCache(path string) (*Result, bool) {
	cp := f.cachePath(path)
	data, err := os.ReadFile(cp)
	if err != nil {
		return nil, false
	}
	return &Result{
		Bytes:     data,
		Mime:      mimeFor(path),
		Size:      int64(len(data)),
		FromCache: true,
		Source:    SourceLocal,
	}, true
}

func (f *Fetcher) fetchFromFilesystem(path string) (*Result, error) {
	normalized := strings.TrimPrefix(path, "file://")
	data, err := os.ReadFile(normalized)
	if err != nil {
		return nil, err
	}

	f.writeCache(path, data)

	return &Result{
		Bytes:  data,
		Mime:   mimeFor(path),
		Size:   int64(len(data)),
		Source: SourceLocal,
	}, nil
}

func (f *Fetcher) fetchFromDistributed(ctx context.Context, path string) (*Result, error) {
	sessions := f.dist.SessionIDs()
	if len(sessions) == 0 {
		return nil, errors.New("no worker sessions linked")
	}

	var lastErr error
	for _, sessionID := range sessions {
		content, err := f.dist.FetchFile(ctx, sessionID, path, defaultDistributedTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		data, decErr := base64.StdEncoding.DecodeString(content)
		if decErr != nil {
			lastErr = decErr
			continue
		}

		f.writeCache(path, data)

		return &Result{
			Bytes:  data,
			Mime:   mimeFor(path),
			Size:   int64(len(data)),
			Source: SourceDistributed,
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no worker session served the file")
	}
	return nil, lastErr
}

// writeCache is best-effort: a write failure is logged, never fails the
// caller's fetch.
func (f *Fetcher) writeCache(path string, data []byte) {
	if f.cacheDir == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(f.cacheDir, 0o755); err != nil {
		f.logWarn("create cache directory", err)
		return
	}

	cp := f.cachePath(path)
	if err := os.WriteFile(cp, data, 0o644); err != nil {
		f.logWarn("write cache file", err)
		return
	}

	if f.maxCacheBytes > 0 {
		f.evictLocked()
	}
}

func (f *Fetcher) logWarn(msg string, err error) {
	if f.logger != nil {
		f.logger.Warn(context.Background(), "file fetcher cache write failed", "step", msg, "error", err.Error())
	}
}

type cacheFileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

// evictLocked drops the oldest cached files, by modification time, until
// the cache directory is back under maxCacheBytes. Callers must hold f.mu.
func (f *Fetcher) evictLocked() {
	entries, err := os.ReadDir(f.cacheDir)
	if err != nil {
		return
	}

	var files []cacheFileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, cacheFileInfo{
			path:    filepath.Join(f.cacheDir, e.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}

	if total <= f.maxCacheBytes {
		return
	}

	for i := 0; i < len(files); i++ {
		for j := i + 1; j < len(files); j++ {
			if files[j].modTime.Before(files[i].modTime) {
				files[i], files[j] = files[j], files[i]
			}
		}
	}

	for _, fi := range files {
		if total <= f.maxCacheBytes {
			break
		}
		if err := os.Remove(fi.path); err != nil {
			continue
		}
		total -= fi.size
	}
}

// ClearCache removes every file in the cache directory. Cache content is
// regenerable; this never touches the source filesystem or worker sessions.
func (f *Fetcher) ClearCache() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cache directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_ = os.Remove(filepath.Join(f.cacheDir, e.Name()))
	}
	return nil
}

// Stats is the cumulative hit/miss/disk-usage snapshot returned by Stats().
type Stats struct {
	Hits        int64
	Misses      int64
	HitRate     float64
	CachedFiles int
	TotalBytes  int64
}

// Stats returns cumulative hits/misses, the computed hit rate, the number of
// cached files, and total bytes on disk in the cache directory.
func (f *Fetcher) Stats() Stats {
	hits := f.hits.Load()
	misses := f.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	s := Stats{Hits: hits, Misses: misses, HitRate: hitRate}

	entries, err := os.ReadDir(f.cacheDir)
	if err != nil {
		return s
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.CachedFiles++
		s.TotalBytes += info.Size()
	}
	return s
}

// mimeTable is a small fixed extension→MIME table; unknown extensions fall
// back to application/octet-stream.
var mimeTable = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".csv":  "text/csv",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".zip":  "application/zip",
}

func mimeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimPrefix(path, "file://")))
	if mime, ok := mimeTable[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}
