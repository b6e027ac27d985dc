// Package fetch retrieves workspace inputs: git repositories and HTTP downloads.
package fetch

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Git shallow-clones the head of branch into dir
func Git(ctx context.Context, url, branch, dir string) error {
	opts := &git.CloneOptions{
		URL:          url,
		SingleBranch: true,
		Depth:        1,
		Tags:         git.NoTags,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}

	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return fmt.Errorf("failed to clone %s (%s): %w", url, branch, err)
	}
	return nil
}
