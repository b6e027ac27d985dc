package agent

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

// DirSdkCache locates SDKs installed as <root>/<name>/<version>
type DirSdkCache struct {
	Root string
}

// InstalledSdkDir returns the installation directory of sdk and a hash identifying it
func (c DirSdkCache) InstalledSdkDir(sdk models.SdkRequirement) (string, string, error) {
	if !models.IsValidSubPath(sdk.Name) || !models.IsValidSubPath(sdk.Version) {
		return "", "", fmt.Errorf("invalid sdk %s", sdk)
	}

	dir := filepath.Join(c.Root, filepath.FromSlash(sdk.Name), filepath.FromSlash(sdk.Version))
	info, err := os.Stat(dir)
	if err != nil {
		return "", "", fmt.Errorf("sdk %s is not installed: %w", sdk, err)
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("sdk %s is not installed: %s is not a directory", sdk, dir)
	}

	sum := blake3.Sum256([]byte(sdk.String()))
	return hex.EncodeToString(sum[:]), dir, nil
}
