package scheduler

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/protocol"
)

func newJob(t *testing.T, id string, inputs ...models.BuildInput) *models.BuildJob {
	t.Helper()
	job, err := models.NewBuildJob(id, models.BuildTask{BuildFile: id + ".build"}, inputs...)
	if err != nil {
		t.Fatalf("NewBuildJob(%s) failed: %v", id, err)
	}
	return job
}

func artifactFrom(job, path string) models.BuildInput {
	return models.BuildInput{
		Source: models.ArtifactSource{Job: job, Path: path},
		Path:   "deps/" + job,
	}
}

func jobIDs(jobs []*models.BuildJob) []string {
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID()
	}
	return ids
}

// The queue hands out jobs in this order. Producers must come first: a consumer taken
// ahead of its producer would hold an agent slot waiting for an artifact that a
// single-slot farm could then never build. Do not reverse it.
func TestBuildGraphOrdersProducersFirst(t *testing.T) {
	tests := []struct {
		name string
		jobs func(t *testing.T) []*models.BuildJob
		want []string
	}{
		{
			name: "independent jobs keep submission order",
			jobs: func(t *testing.T) []*models.BuildJob {
				return []*models.BuildJob{newJob(t, "a"), newJob(t, "b"), newJob(t, "c")}
			},
			want: []string{"a", "b", "c"},
		},
		{
			name: "consumer submitted before producer",
			jobs: func(t *testing.T) []*models.BuildJob {
				return []*models.BuildJob{
					newJob(t, "test", artifactFrom("compile", "bin")),
					newJob(t, "compile"),
				}
			},
			want: []string{"compile", "test"},
		},
		{
			name: "diamond",
			jobs: func(t *testing.T) []*models.BuildJob {
				return []*models.BuildJob{
					newJob(t, "package", artifactFrom("left", "x"), artifactFrom("right", "y")),
					newJob(t, "left", artifactFrom("base", "lib")),
					newJob(t, "right", artifactFrom("base", "lib")),
					newJob(t, "base"),
				}
			},
			want: []string{"base", "left", "right", "package"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ordered, err := BuildGraph(tt.jobs(t))
			if err != nil {
				t.Fatalf("BuildGraph failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, jobIDs(ordered)); diff != "" {
				t.Errorf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildGraphRejectsInvalidSubmissions(t *testing.T) {
	tests := []struct {
		name string
		jobs func(t *testing.T) []*models.BuildJob
		want error
	}{
		{
			name: "cycle",
			jobs: func(t *testing.T) []*models.BuildJob {
				return []*models.BuildJob{
					newJob(t, "a", artifactFrom("b", "out")),
					newJob(t, "b", artifactFrom("a", "out")),
				}
			},
			want: ErrCircularDependency,
		},
		{
			name: "self reference",
			jobs: func(t *testing.T) []*models.BuildJob {
				return []*models.BuildJob{newJob(t, "a", artifactFrom("a", "out"))}
			},
			want: ErrCircularDependency,
		},
		{
			name: "unknown producer",
			jobs: func(t *testing.T) []*models.BuildJob {
				return []*models.BuildJob{newJob(t, "a", artifactFrom("missing", "out"))}
			},
			want: ErrUnknownJob,
		},
		{
			name: "duplicate id",
			jobs: func(t *testing.T) []*models.BuildJob {
				return []*models.BuildJob{newJob(t, "a"), newJob(t, "b"), newJob(t, "a")}
			},
			want: ErrDuplicateJobID,
		},
		{
			name: "escaping artifact path",
			jobs: func(t *testing.T) []*models.BuildJob {
				return []*models.BuildJob{newJob(t, "a"), newJob(t, "b", artifactFrom("a", "../secret"))}
			},
			want: protocol.ErrInvalidArtifactPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ordered, err := BuildGraph(tt.jobs(t))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if ordered != nil {
				t.Errorf("Expected no jobs on error, got %v", jobIDs(ordered))
			}
		})
	}
}

func TestBuildGraphEmpty(t *testing.T) {
	ordered, err := BuildGraph(nil)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	if len(ordered) != 0 {
		t.Errorf("Expected no jobs, got %d", len(ordered))
	}
}
