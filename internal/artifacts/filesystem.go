package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harmony/internal/models"
)

// FilesystemStore keeps artifacts under a bucket directory on local disk.
type FilesystemStore struct {
	baseDir string
	logger  arbor.ILogger
}

// NewFilesystemStore creates the bucket directory if needed.
func NewFilesystemStore(baseDir string, logger arbor.ILogger) (*FilesystemStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("artifact store directory is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact directory: %w", err)
	}
	return &FilesystemStore{baseDir: abs, logger: logger}, nil
}

// resolve maps a bucket-relative key to a path inside the bucket, rejecting
// escapes.
func (s *FilesystemStore) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("artifact key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact key %q escapes the bucket", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *FilesystemStore) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create artifact parent dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact %s: %w", key, err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write artifact %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Int64("bytes", n).Msg("Artifact stored")
	return n, nil
}

func (s *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open artifact %s: %w", key, err)
	}
	return f, nil
}

func (s *FilesystemStore) Size(ctx context.Context, key string) (int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("artifact %s: %w", key, models.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to stat artifact %s: %w", key, err)
	}
	return info.Size(), nil
}

func (s *FilesystemStore) PutJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %s: %w", key, err)
	}
	_, err = s.Put(ctx, key, strings.NewReader(string(data)))
	return err
}

func (s *FilesystemStore) GetJSON(ctx context.Context, key string, v interface{}) error {
	r, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("failed to decode artifact %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) DeletePrefix(ctx context.Context, prefix string) error {
	path, err := s.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete artifacts under %s: %w", prefix, err)
	}
	return nil
}
