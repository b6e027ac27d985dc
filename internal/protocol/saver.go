package protocol

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

// ArtifactSaver stores artifacts received from a runner
type ArtifactSaver interface {
	SaveArtifact(name string, r io.Reader) error
}

// DirSaver saves artifacts as files under Dir. A file appears only once its stream has been
// received completely.
type DirSaver struct {
	Dir string
}

// SaveArtifact writes r to Dir/name
func (s DirSaver) SaveArtifact(name string, r io.Reader) error {
	if !models.IsValidSubPath(name) {
		return fmt.Errorf("%w: %q", ErrInvalidArtifactPath, name)
	}
	target := filepath.Join(s.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".artifact-*")
	if err != nil {
		return fmt.Errorf("failed to create artifact file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to receive artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save artifact %s: %w", name, err)
	}
	return nil
}
