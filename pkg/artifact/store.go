// Package artifact stores input and output images on the local filesystem,
// keyed by job id. Writes go through a temporary file in the target
// directory followed by a rename, so a reader never observes a partial file.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
)

// Kind discriminates input from output artifacts
type Kind string

const (
	KindInput  Kind = "inputs"
	KindOutput Kind = "outputs"
)

const tempPattern = ".tmp-*"

var errInvalidKey = errors.New("invalid artifact key")

func validKey(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\*?[`) && !strings.HasPrefix(id, ".")
}

// FileStore is a directory-backed artifact store
type FileStore struct {
	root string
}

// NewFileStore creates the input and output directories under root
func NewFileStore(root string) (*FileStore, error) {
	for _, kind := range []Kind{KindInput, KindOutput} {
		dir := filepath.Join(root, string(kind))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &models.StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return &FileStore{root: root}, nil
}

// Root returns the base directory of the store
func (s *FileStore) Root() string {
	return s.root
}

// Path returns where the artifact of the given kind for a job lives
func (s *FileStore) Path(id string, kind Kind, format string) string {
	return filepath.Join(s.root, string(kind), id+"."+strings.TrimPrefix(format, "."))
}

// Put writes data atomically and returns its descriptor. An existing
// output is never overwritten.
func (s *FileStore) Put(ctx context.Context, id string, kind Kind, format string, data []byte) (models.ArtifactDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return models.ArtifactDescriptor{}, err
	}
	if !validKey(id) {
		return models.ArtifactDescriptor{}, &models.StorageError{Op: "write", Path: id, Err: errInvalidKey}
	}

	target := s.Path(id, kind, format)
	if kind == KindOutput {
		if _, err := os.Stat(target); err == nil {
			return models.ArtifactDescriptor{}, &models.StorageError{Op: "write", Path: target, Err: fs.ErrExist}
		}
	}

	if err := writeAtomic(target, data); err != nil {
		return models.ArtifactDescriptor{}, &models.StorageError{Op: "write", Path: target, Err: err}
	}

	return models.ArtifactDescriptor{
		Path:   target,
		Size:   int64(len(data)),
		Format: strings.TrimPrefix(format, "."),
	}, nil
}

func writeAtomic(target string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), tempPattern)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// Get reads a stored artifact
func (s *FileStore) Get(ctx context.Context, desc models.ArtifactDescriptor) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(desc.Path)
	if err != nil {
		return nil, &models.StorageError{Op: "read", Path: desc.Path, Err: err}
	}
	return data, nil
}

// Open streams a stored artifact
func (s *FileStore) Open(desc models.ArtifactDescriptor) (io.ReadCloser, error) {
	f, err := os.Open(desc.Path)
	if err != nil {
		return nil, &models.StorageError{Op: "open", Path: desc.Path, Err: err}
	}
	return f, nil
}

// Remove deletes every artifact stored for a job. Missing files are not an
// error, so the call can be repeated after a partial failure.
func (s *FileStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validKey(id) {
		return &models.StorageError{Op: "remove", Path: id, Err: errInvalidKey}
	}
	var errs []error
	for _, kind := range []Kind{KindInput, KindOutput} {
		matches, err := filepath.Glob(filepath.Join(s.root, string(kind), id+".*"))
		if err != nil {
			return &models.StorageError{Op: "remove", Path: id, Err: err}
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, &models.StorageError{Op: "remove", Path: m, Err: err})
			}
		}
	}
	return errors.Join(errs...)
}

// Discard deletes a single artifact; a missing file is not an error
func (s *FileStore) Discard(ctx context.Context, desc models.ArtifactDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if desc.Path == "" {
		return nil
	}
	if err := os.Remove(desc.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &models.StorageError{Op: "remove", Path: desc.Path, Err: err}
	}
	return nil
}

// CleanTemp removes temporary files left behind by an interrupted write
func (s *FileStore) CleanTemp() (int, error) {
	removed := 0
	for _, kind := range []Kind{KindInput, KindOutput} {
		matches, err := filepath.Glob(filepath.Join(s.root, string(kind), tempPattern))
		if err != nil {
			return removed, fmt.Errorf("failed to list temp files: %w", err)
		}
		for _, m := range matches {
			if err := os.Remove(m); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
