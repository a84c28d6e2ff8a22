package metrics

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// DefaultBatchSize triggers a flush when the buffer reaches it.
	DefaultBatchSize = 1000
	// DefaultFlushEvery is the background flush interval.
	DefaultFlushEvery = 5 * time.Minute
	// DefaultRetention is how long raw and aggregated records are kept.
	DefaultRetention = 90 * 24 * time.Hour
	// DefaultAggInterval is the aggregation bucket width.
	DefaultAggInterval = time.Minute
)

const dayLayout = "2006-01-02"

// StoreConfig tunes a FileStore. Zero values take defaults.
type StoreConfig struct {
	Dir         string
	BatchSize   int
	FlushEvery  time.Duration
	Retention   time.Duration
	AggInterval time.Duration
	Clock       func() time.Time
	// OnWarning surfaces non-fatal storage trouble (failed flush, cleanup).
	OnWarning func(string)
}

// FileStore persists samples as per-day NDJSON files named
// metrics_YYYY-MM-DD.json; closed days are gzip-compressed in place. Writes
// buffer in memory and flush on batch size, timer, or Close.
type FileStore struct {
	dir        string
	batchSize  int
	flushEvery time.Duration
	retention  time.Duration
	now        func() time.Time
	warn       func(string)

	mu     sync.Mutex
	buf    []Sample
	closed bool

	agg *Aggregator
}

func NewFileStore(cfg StoreConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("metrics store: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("metrics store: %w", err)
	}
	s := &FileStore{
		dir:        cfg.Dir,
		batchSize:  DefaultBatchSize,
		flushEvery: DefaultFlushEvery,
		retention:  DefaultRetention,
		now:        func() time.Time { return time.Now().UTC() },
		warn:       func(string) {},
	}
	if cfg.BatchSize > 0 {
		s.batchSize = cfg.BatchSize
	}
	if cfg.FlushEvery > 0 {
		s.flushEvery = cfg.FlushEvery
	}
	if cfg.Retention > 0 {
		s.retention = cfg.Retention
	}
	if cfg.Clock != nil {
		s.now = cfg.Clock
	}
	if cfg.OnWarning != nil {
		s.warn = cfg.OnWarning
	}
	interval := cfg.AggInterval
	if interval <= 0 {
		interval = DefaultAggInterval
	}
	agg, err := resumeAggregator(filepath.Join(cfg.Dir, "aggregates.json"), interval)
	if err != nil {
		return nil, err
	}
	s.agg = agg
	return s, nil
}

// Append buffers one sample. The write path never blocks on disk unless the
// batch threshold tips a synchronous flush.
func (s *FileStore) Append(sample Sample) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, sample)
	tip := len(s.buf) >= s.batchSize
	s.mu.Unlock()
	if tip {
		if err := s.Flush(); err != nil {
			s.warn(fmt.Sprintf("metrics flush: %v", err))
		}
	}
}

// Flush writes buffered samples to their day files and feeds the aggregator.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	byDay := make(map[string][]Sample)
	for _, sample := range batch {
		day := sample.TS.UTC().Format(dayLayout)
		byDay[day] = append(byDay[day], sample)
	}
	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	var written []Sample
	for i, day := range days {
		if err := s.appendDay(day, byDay[day]); err != nil {
			// Requeue every day not yet on disk so a later flush retries
			// it; the days already written still feed the aggregator.
			var unwritten []Sample
			for _, d := range days[i:] {
				unwritten = append(unwritten, byDay[d]...)
			}
			s.mu.Lock()
			s.buf = append(unwritten, s.buf...)
			s.mu.Unlock()
			s.observe(written)
			return err
		}
		written = append(written, byDay[day]...)
	}

	s.observe(written)
	return nil
}

func (s *FileStore) observe(samples []Sample) {
	if len(samples) == 0 {
		return
	}
	s.agg.Observe(samples)
	if err := s.agg.Save(filepath.Join(s.dir, "aggregates.json"), s.now()); err != nil {
		s.warn(fmt.Sprintf("save aggregates: %v", err))
	}
}

func (s *FileStore) appendDay(day string, samples []Sample) error {
	path := filepath.Join(s.dir, "metrics_"+day+".json")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, sample := range samples {
		b, err := json.Marshal(sample)
		if err != nil {
			continue
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Run drives periodic flushing, closed-day compression and retention cleanup
// until ctx ends. A final flush happens on exit.
func (s *FileStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.warn(fmt.Sprintf("metrics flush: %v", err))
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.warn(fmt.Sprintf("metrics flush: %v", err))
			}
			s.CompressClosedDays()
			if err := s.Cleanup(); err != nil {
				s.warn(fmt.Sprintf("metrics cleanup: %v", err))
			}
		}
	}
}

// Close flushes and stops accepting samples.
func (s *FileStore) Close() error {
	err := s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

// CompressClosedDays gzips every raw day file except today's, removing the
// raw file after a successful write.
func (s *FileStore) CompressClosedDays() {
	today := s.now().Format(dayLayout)
	matches, err := doublestar.Glob(os.DirFS(s.dir), "metrics_*.json")
	if err != nil {
		return
	}
	for _, name := range matches {
		day, ok := dayFromName(name)
		if !ok || day == today {
			continue
		}
		if err := gzipFile(filepath.Join(s.dir, name)); err != nil {
			s.warn(fmt.Sprintf("compress %s: %v", name, err))
		}
	}
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Cleanup deletes raw and compressed day files older than the retention
// cutoff.
func (s *FileStore) Cleanup() error {
	cutoff := s.now().Add(-s.retention).Format(dayLayout)
	matches, err := doublestar.Glob(os.DirFS(s.dir), "metrics_*.json{,.gz}")
	if err != nil {
		return err
	}
	var firstErr error
	for _, name := range matches {
		day, ok := dayFromName(name)
		if !ok || day >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.agg.DropBefore(cutoff)
	return firstErr
}

// ReadDay returns the samples recorded on the given UTC day, reading the raw
// file or its gzip form.
func (s *FileStore) ReadDay(day time.Time) ([]Sample, error) {
	// Interleave a pending flush so reads see everything appended so far.
	if err := s.Flush(); err != nil {
		return nil, err
	}
	name := "metrics_" + day.UTC().Format(dayLayout) + ".json"
	var r io.ReadCloser
	f, err := os.Open(filepath.Join(s.dir, name))
	if err == nil {
		r = f
	} else {
		g, gerr := os.Open(filepath.Join(s.dir, name+".gz"))
		if gerr != nil {
			if os.IsNotExist(err) && os.IsNotExist(gerr) {
				return nil, nil
			}
			return nil, err
		}
		zr, zerr := gzip.NewReader(g)
		if zerr != nil {
			g.Close()
			return nil, zerr
		}
		r = struct {
			io.Reader
			io.Closer
		}{zr, g}
	}
	defer r.Close()

	var out []Sample
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var sample Sample
		if err := json.Unmarshal([]byte(line), &sample); err != nil {
			continue
		}
		out = append(out, sample)
	}
	return out, sc.Err()
}

// Aggregates returns a copy of the closed aggregation buckets.
func (s *FileStore) Aggregates() []Bucket {
	return s.agg.Buckets()
}

func dayFromName(name string) (string, bool) {
	trimmed := strings.TrimPrefix(name, "metrics_")
	trimmed = strings.TrimSuffix(trimmed, ".gz")
	trimmed = strings.TrimSuffix(trimmed, ".json")
	if _, err := time.Parse(dayLayout, trimmed); err != nil {
		return "", false
	}
	return trimmed, true
}
