package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FSStore publishes into a directory tree, typically a checkout that a
// static site is built from.
type FSStore struct {
	Dir string
}

// NewFSStore creates a filesystem store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{Dir: dir}
}

// Publish stages every file of the bundle first, then moves them into place
// with the catalog last. A failure while staging leaves the published tree
// untouched.
func (s *FSStore) Publish(ctx context.Context, b Bundle) error {
	objs, err := objects(b)
	if err != nil {
		return err
	}

	stagingRoot := filepath.Join(s.Dir, ".staging")
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	staging, err := os.MkdirTemp(stagingRoot, b.Record.ID+"-")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, o := range objs {
		if err := writeFile(filepath.Join(staging, filepath.FromSlash(o.key)), o.data); err != nil {
			return fmt.Errorf("staging %s: %w", o.key, err)
		}
	}

	for _, o := range objs {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst := filepath.Join(s.Dir, filepath.FromSlash(o.key))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
		}
		if err := os.Rename(filepath.Join(staging, filepath.FromSlash(o.key)), dst); err != nil {
			return fmt.Errorf("publishing %s: %w", o.key, err)
		}
	}

	slog.Info("published paper", "paper", b.Record.ID, "files", len(objs), "dir", s.Dir)
	return nil
}

// WriteFeedback writes feedback/<id>.json.
func (s *FSStore) WriteFeedback(_ context.Context, submissionID string, feedback []byte) error {
	if err := checkID(submissionID); err != nil {
		return err
	}
	path := filepath.Join(s.Dir, filepath.FromSlash(feedbackKey(submissionID)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating feedback directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, feedback, 0o644); err != nil {
		return fmt.Errorf("writing feedback for %s: %w", submissionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing feedback for %s: %w", submissionID, err)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
