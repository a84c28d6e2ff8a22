package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	checkpointDir = "checkpoints"
	completedDir  = "completed"
	failedDir     = "failed"
)

// FileStore lays runs out on disk:
//
//	<dir>/checkpoints/<flow_id>_<stage>_<YYYYMMDD_HHMMSS>.json
//	<dir>/completed/<flow_id>_<stage>_<YYYYMMDD_HHMMSS>.json
//	<dir>/failed/<flow_id>_<stage>_<YYYYMMDD_HHMMSS>.json
//
// Writes are atomic (temp file + rename) so a crash never leaves a torn
// checkpoint behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("persist: dir is required")
	}
	for _, sub := range []string{checkpointDir, completedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("persist: %w", err)
		}
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) SaveCheckpoint(ctx context.Context, ckpt Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := checkpointName(ckpt.FlowID, ckpt.Stage.String(), ckpt.Timestamp)
	return writeJSON(filepath.Join(s.dir, checkpointDir, name), ckpt)
}

func (s *FileStore) LoadLatestCheckpoint(ctx context.Context, flowID string) (Checkpoint, error) {
	infos, err := s.ListCheckpoints(ctx, flowID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(infos) == 0 {
		return Checkpoint{}, fmt.Errorf("%w for flow %s", ErrNoCheckpoint, flowID)
	}
	var ckpt Checkpoint
	if err := readJSON(infos[0].Ref, &ckpt); err != nil {
		return Checkpoint{}, err
	}
	return ckpt, nil
}

// ListCheckpoints returns active checkpoint metadata newest-first.
func (s *FileStore) ListCheckpoints(ctx context.Context, flowID string) ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, err := s.flowCheckpointPaths(flowID)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(paths))
	for _, path := range paths {
		var ckpt Checkpoint
		if err := readJSON(path, &ckpt); err != nil {
			continue
		}
		info := Info{FlowID: ckpt.FlowID, Stage: ckpt.Stage, Timestamp: ckpt.Timestamp, Ref: path}
		if d, ok := ckpt.Metadata["digest"].(string); ok {
			info.Digest = d
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Timestamp.After(infos[j].Timestamp) })
	return infos, nil
}

func (s *FileStore) SaveCompleted(ctx context.Context, rec CompletedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := checkpointName(rec.FlowID, rec.Stage.String(), rec.CompletionTime)
	if err := writeJSON(filepath.Join(s.dir, completedDir, name), rec); err != nil {
		return err
	}
	return s.removeCheckpointsLocked(rec.FlowID)
}

func (s *FileStore) SaveFailed(ctx context.Context, rec FailedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := checkpointName(rec.FlowID, rec.Stage.String(), rec.FailureTime)
	if err := writeJSON(filepath.Join(s.dir, failedDir, name), rec); err != nil {
		return err
	}
	return s.removeCheckpointsLocked(rec.FlowID)
}

// Cleanup removes archived records older than the retention window. The
// exclude patterns (doublestar globs relative to the archive compartments)
// shield matching files from deletion.
func (s *FileStore) Cleanup(retention time.Duration, exclude ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-retention)
	var firstErr error
	for _, sub := range []string{completedDir, failedDir} {
		root := filepath.Join(s.dir, sub)
		matches, err := doublestar.Glob(os.DirFS(root), "**/*.json")
		if err != nil {
			continue
		}
		for _, name := range matches {
			if excluded(name, exclude) {
				continue
			}
			path := filepath.Join(root, name)
			var ckpt Checkpoint
			if err := readJSON(path, &ckpt); err != nil {
				continue
			}
			if ckpt.Timestamp.Before(cutoff) {
				if err := os.Remove(path); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func excluded(name string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *FileStore) removeCheckpointsLocked(flowID string) error {
	paths, err := s.flowCheckpointPaths(flowID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *FileStore) flowCheckpointPaths(flowID string) ([]string, error) {
	root := filepath.Join(s.dir, checkpointDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), flowID+"_") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(root, e.Name()))
	}
	return out, nil
}

func checkpointName(flowID, stageName string, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%s.json", flowID, stageName, ts.UTC().Format(stampLayout))
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
