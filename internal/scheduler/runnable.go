package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/sharma-sourabh3435/buildfarm/internal/fetch"
	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/protocol"
	"github.com/sharma-sourabh3435/buildfarm/internal/status"
)

// ErrProducerFailed is returned when a job needs an artifact from a job that did not complete
var ErrProducerFailed = errors.New("producer job did not complete")

// RunnableJob is a queued job together with the run state it needs to build its workspace
type RunnableJob struct {
	job      *models.BuildJob
	status   *status.JobStatus
	pipeline *status.PipelineStatus
	inputs   *inputCache
}

// ID returns the job id
func (r *RunnableJob) ID() string {
	return r.job.ID()
}

// PipelineID returns the id of the pipeline run the job belongs to
func (r *RunnableJob) PipelineID() string {
	return r.pipeline.ID()
}

// Task returns the job's build task
func (r *RunnableJob) Task() models.BuildTask {
	return r.job.Task()
}

// Status returns the job status
func (r *RunnableJob) Status() *status.JobStatus {
	return r.status
}

// ArtifactSaver saves artifacts into the job's artifact directory
func (r *RunnableJob) ArtifactSaver() protocol.ArtifactSaver {
	return protocol.DirSaver{Dir: r.status.ArtifactDir()}
}

// WriteWorkspace resolves every input and adds it at its destination path. Artifact inputs
// wait for their producer and are read from its artifact directory in place.
func (r *RunnableJob) WriteWorkspace(ctx context.Context, w *protocol.WorkspaceWriter) error {
	for _, input := range r.job.Inputs() {
		var (
			src string
			err error
		)

		switch source := input.Source.(type) {
		case models.GitSource:
			src, err = r.inputs.get(ctx, source, func(ctx context.Context, dest string) error {
				return fetch.Git(ctx, source.URL, source.Branch, dest)
			})
		case models.HTTPSource:
			src, err = r.inputs.get(ctx, source, func(ctx context.Context, dest string) error {
				return fetch.HTTP(ctx, r.inputs.client, source.URL, source.Integrity, dest)
			})
		case models.ArtifactSource:
			src, err = r.artifactPath(ctx, source)
		default:
			err = fmt.Errorf("unsupported input source %T", source)
		}
		if err != nil {
			return fmt.Errorf("input %s: %w", input.Path, err)
		}

		if err := addPath(w, input.Path, src); err != nil {
			return fmt.Errorf("input %s: %w", input.Path, err)
		}
	}
	return nil
}

func (r *RunnableJob) artifactPath(ctx context.Context, source models.ArtifactSource) (string, error) {
	producer, ok := r.pipeline.Job(source.Job)
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownJob, source.Job)
	}
	state, err := producer.WaitForCompletion(ctx)
	if err != nil {
		return "", err
	}
	if state != models.JobStateCompleted {
		return "", fmt.Errorf("%w: job %s is %s", ErrProducerFailed, source.Job, state)
	}
	return filepath.Join(producer.ArtifactDir(), filepath.FromSlash(source.Path)), nil
}

func addPath(w *protocol.WorkspaceWriter, dest, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return w.AddDir(dest, src)
	}
	return w.AddFile(dest, src)
}

// inputCache fetches each distinct git or HTTP source of a pipeline once, into
// <pipeline>/inputs/input<N>
type inputCache struct {
	dir    string
	client *http.Client

	mu      sync.Mutex
	entries map[models.InputSource]*cacheEntry
	next    int
}

type cacheEntry struct {
	path string
	done chan struct{}
	err  error
}

func newInputCache(dir string, client *http.Client) *inputCache {
	if client == nil {
		client = http.DefaultClient
	}
	return &inputCache{
		dir:     dir,
		client:  client,
		entries: make(map[models.InputSource]*cacheEntry),
	}
}

// get returns the local path of source, running fetchTo on the first request. A failed
// fetch is not cached.
func (c *inputCache) get(ctx context.Context, source models.InputSource, fetchTo func(ctx context.Context, dest string) error) (string, error) {
	c.mu.Lock()
	entry, ok := c.entries[source]
	if !ok {
		c.next++
		entry = &cacheEntry{
			path: filepath.Join(c.dir, fmt.Sprintf("input%d", c.next)),
			done: make(chan struct{}),
		}
		c.entries[source] = entry
	}
	c.mu.Unlock()

	if !ok {
		entry.err = fetchTo(ctx, entry.path)
		if entry.err != nil {
			os.RemoveAll(entry.path)
			c.mu.Lock()
			delete(c.entries, source)
			c.mu.Unlock()
		}
		close(entry.done)
	}

	select {
	case <-entry.done:
		return entry.path, entry.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
