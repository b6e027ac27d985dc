package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrIntegrityMismatch is returned when downloaded content does not match its expected digest
var ErrIntegrityMismatch = errors.New("integrity mismatch")

// Integrity is a parsed "<algorithm>:<hex digest>" string
type Integrity struct {
	Algorithm string
	Digest    []byte
}

// ParseIntegrity parses an integrity string. Supported algorithms are sha256, sha512 and blake3.
func ParseIntegrity(s string) (Integrity, error) {
	algo, digestHex, ok := strings.Cut(s, ":")
	if !ok {
		return Integrity{}, fmt.Errorf("invalid integrity %q: expected <algorithm>:<hex digest>", s)
	}
	algo = strings.ToLower(algo)
	h, err := newHash(algo)
	if err != nil {
		return Integrity{}, err
	}
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return Integrity{}, fmt.Errorf("invalid integrity digest %q: %w", digestHex, err)
	}
	if len(digest) != h.Size() {
		return Integrity{}, fmt.Errorf("invalid %s digest length %d", algo, len(digest))
	}
	return Integrity{Algorithm: algo, Digest: digest}, nil
}

// String formats the integrity as "<algorithm>:<hex digest>"
func (i Integrity) String() string {
	return i.Algorithm + ":" + hex.EncodeToString(i.Digest)
}

func newHash(algo string) (hash.Hash, error) {
	switch algo {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "blake3":
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported integrity algorithm %q", algo)
	}
}

// HTTP downloads url to dest and verifies it against integrity. dest only appears once the
// content has been verified.
func HTTP(ctx context.Context, client *http.Client, url, integrity, dest string) error {
	want, err := ParseIntegrity(integrity)
	if err != nil {
		return err
	}
	h, err := newHash(want.Algorithm)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid url %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch %s: %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	got := Integrity{Algorithm: want.Algorithm, Digest: h.Sum(nil)}
	if !bytes.Equal(got.Digest, want.Digest) {
		return fmt.Errorf("%w for %s: expected %s, got %s", ErrIntegrityMismatch, url, want, got)
	}
	return os.Rename(tmp.Name(), dest)
}
