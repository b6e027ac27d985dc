package protocol

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

// WorkspaceWriter adds build inputs to a workspace archive at their destination paths
type WorkspaceWriter struct {
	tw *tar.Writer
}

// AddFile adds the file at src as dest
func (w *WorkspaceWriter) AddFile(dest, src string) error {
	if !models.IsValidSubPath(dest) {
		return fmt.Errorf("%w: %q", ErrInvalidArtifactPath, dest)
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}
	return w.addFile(path.Clean(filepath.ToSlash(dest)), src, info)
}

// AddDir adds the tree rooted at src under dest. Only directories and regular files are kept.
func (w *WorkspaceWriter) AddDir(dest, src string) error {
	if !models.IsValidSubPath(dest) {
		return fmt.Errorf("%w: %q", ErrInvalidArtifactPath, dest)
	}
	base := path.Clean(filepath.ToSlash(dest))

	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := path.Join(base, filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return w.tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     0o755,
				ModTime:  info.ModTime(),
			})
		case info.Mode().IsRegular():
			return w.addFile(name, p, info)
		default:
			return nil
		}
	})
}

func (w *WorkspaceWriter) addFile(name, src string, info fs.FileInfo) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	if err := w.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}); err != nil {
		return err
	}
	if _, err := io.Copy(w.tw, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", src, err)
	}
	return nil
}

// writeWorkspace compresses the archive produced by fill into w
func writeWorkspace(w io.Writer, fill func(*WorkspaceWriter) error) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	if err := fill(&WorkspaceWriter{tw: tw}); err != nil {
		zw.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// extractWorkspace unpacks a compressed workspace archive into dir
func extractWorkspace(r io.Reader, dir string) error {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return err
	}
	defer zr.Close()

	return extractTar(zr, dir)
}

func extractTar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read workspace archive: %w", err)
		}

		name := strings.TrimSuffix(hdr.Name, "/")
		if !models.IsValidSubPath(name) {
			return fmt.Errorf("%w: archive entry %q", ErrInvalidArtifactPath, hdr.Name)
		}
		target := filepath.Join(dir, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, fs.FileMode(hdr.Mode).Perm()|0o600); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return f.Close()
}
