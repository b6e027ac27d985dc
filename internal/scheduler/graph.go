package scheduler

import (
	"errors"
	"fmt"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/protocol"
)

// Submission validation errors
var (
	ErrCircularDependency = errors.New("circular dependency")
	ErrDuplicateJobID     = errors.New("duplicate job id")
	ErrUnknownJob         = errors.New("unknown job")
)

// BuildGraph validates a submission and orders it so that every job comes after the jobs
// it consumes artifacts from. It fails on the first cycle, dangling artifact reference or
// unsafe artifact path, and rejects duplicate ids once traversal is complete.
func BuildGraph(jobs []*models.BuildJob) ([]*models.BuildJob, error) {
	byID := make(map[string]*models.BuildJob, len(jobs))
	for _, job := range jobs {
		if _, ok := byID[job.ID()]; !ok {
			byID[job.ID()] = job
		}
	}

	ordered := make([]*models.BuildJob, 0, len(jobs))
	visited := make(map[*models.BuildJob]bool, len(jobs))
	visiting := make(map[*models.BuildJob]bool)

	var visit func(job *models.BuildJob) error
	visit = func(job *models.BuildJob) error {
		if visited[job] {
			return nil
		}
		if visiting[job] {
			return fmt.Errorf("%w involving job %s", ErrCircularDependency, job.ID())
		}
		visiting[job] = true

		for _, input := range job.Inputs() {
			artifact, ok := input.Source.(models.ArtifactSource)
			if !ok {
				continue
			}
			if !models.IsValidSubPath(artifact.Path) {
				return fmt.Errorf("job %s: %w: %q", job.ID(), protocol.ErrInvalidArtifactPath, artifact.Path)
			}
			producer, ok := byID[artifact.Job]
			if !ok {
				return fmt.Errorf("job %s: %w %q", job.ID(), ErrUnknownJob, artifact.Job)
			}
			if err := visit(producer); err != nil {
				return err
			}
		}

		delete(visiting, job)
		visited[job] = true
		ordered = append(ordered, job)
		return nil
	}

	for _, job := range jobs {
		if err := visit(job); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if seen[job.ID()] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJobID, job.ID())
		}
		seen[job.ID()] = true
	}

	return ordered, nil
}
