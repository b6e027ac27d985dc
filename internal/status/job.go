package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

// ErrInvalidTransition is returned by a mutator called in a state it cannot leave
var ErrInvalidTransition = errors.New("invalid job state transition")

// File names inside a job directory
const (
	outputFile   = "output.log"
	taskFile     = "task.json"
	replayFile   = "replay.tar"
	artifactsDir = "artifacts"
)

// EventKind distinguishes job events
type EventKind int

// Event kinds
const (
	EventStarted EventKind = iota
	EventFinished
)

// Event is sent by a JobStatus to its pipeline on every transition that matters to it
type Event struct {
	Kind EventKind
	Job  *JobStatus
}

// JobStatus tracks one job of a pipeline run. Mutators are called by the single
// protocol session that owns the job; readers may be anywhere.
type JobStatus struct {
	pipelineID string
	id         string
	dir        string
	task       models.BuildTask
	events     chan<- Event

	mu            sync.Mutex
	state         models.JobState
	agent         string
	exitCode      int
	err           error
	startedAt     time.Time
	finishedAt    time.Time
	lines         []string
	partial       []byte
	outputChanged chan struct{}
	logFile       *os.File

	done       chan struct{}
	cancel     chan struct{}
	cancelOnce sync.Once
}

func newJobStatus(pipelineID, dir string, job *models.BuildJob, events chan<- Event) *JobStatus {
	return &JobStatus{
		pipelineID:    pipelineID,
		id:            job.ID(),
		dir:           dir,
		task:          job.Task(),
		events:        events,
		state:         models.JobStatePending,
		outputChanged: make(chan struct{}),
		done:          make(chan struct{}),
		cancel:        make(chan struct{}),
	}
}

// ID returns the job id
func (j *JobStatus) ID() string {
	return j.id
}

// Task returns a copy of the job's build task
func (j *JobStatus) Task() models.BuildTask {
	return j.task.Clone()
}

// Dir returns the job directory
func (j *JobStatus) Dir() string {
	return j.dir
}

// ArtifactDir is where the job's artifacts are saved and where dependents read them from
func (j *JobStatus) ArtifactDir() string {
	return filepath.Join(j.dir, artifactsDir)
}

// ReplayPath is where the job's replay archive is saved
func (j *JobStatus) ReplayPath() string {
	return filepath.Join(j.dir, replayFile)
}

// State returns the current state
func (j *JobStatus) State() models.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Agent returns the name of the agent the job started on, if any
func (j *JobStatus) Agent() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.agent
}

// ExitCode returns the build exit code. It is only meaningful once the job is Failed or Completed.
func (j *JobStatus) ExitCode() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exitCode
}

// Err returns the error that put the job into the Error state
func (j *JobStatus) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Output returns the decoded output lines, including a trailing partial line
func (j *JobStatus) Output() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	lines := make([]string, len(j.lines), len(j.lines)+1)
	copy(lines, j.lines)
	if len(j.partial) > 0 {
		lines = append(lines, string(j.partial))
	}
	return lines
}

// OutputChanged returns a channel that is closed the next time output is appended
func (j *JobStatus) OutputChanged() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outputChanged
}

// Done is closed when the job reaches a terminal state
func (j *JobStatus) Done() <-chan struct{} {
	return j.done
}

// WaitForCompletion blocks until the job is terminal or ctx is done
func (j *JobStatus) WaitForCompletion(ctx context.Context) (models.JobState, error) {
	select {
	case <-j.done:
		return j.State(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel signals the session running the job to stop. It is safe to call more than once.
func (j *JobStatus) Cancel() {
	j.cancelOnce.Do(func() { close(j.cancel) })
}

// Cancelled is closed once Cancel has been called
func (j *JobStatus) Cancelled() <-chan struct{} {
	return j.cancel
}

// Started moves the job from Pending to Started on agent
func (j *JobStatus) Started(agent string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != models.JobStatePending {
		return j.invalid(models.JobStateStarted)
	}

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(j.dir, outputFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create output log: %w", err)
	}

	j.logFile = f
	j.state = models.JobStateStarted
	j.agent = agent
	j.startedAt = time.Now()
	j.events <- Event{Kind: EventStarted, Job: j}
	return nil
}

// AppendOutput appends a raw output chunk. Lines are split on '\n' and '\r' is dropped.
func (j *JobStatus) AppendOutput(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != models.JobStateStarted {
		return fmt.Errorf("%w: output for %s job %s", ErrInvalidTransition, j.state, j.id)
	}

	if _, err := j.logFile.Write(chunk); err != nil {
		return fmt.Errorf("failed to write output log: %w", err)
	}

	for _, b := range chunk {
		switch b {
		case '\r':
		case '\n':
			j.lines = append(j.lines, string(j.partial))
			j.partial = j.partial[:0]
		default:
			j.partial = append(j.partial, b)
		}
	}

	close(j.outputChanged)
	j.outputChanged = make(chan struct{})
	return nil
}

// OpenReplay creates the replay file for writing
func (j *JobStatus) OpenReplay() (io.WriteCloser, error) {
	if s := j.State(); s != models.JobStateStarted {
		return nil, fmt.Errorf("%w: replay for %s job %s", ErrInvalidTransition, s, j.id)
	}
	f, err := os.Create(j.ReplayPath())
	if err != nil {
		return nil, fmt.Errorf("failed to create replay file: %w", err)
	}
	return f, nil
}

// Completed moves the job from Started to Completed
func (j *JobStatus) Completed() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != models.JobStateStarted {
		return j.invalid(models.JobStateCompleted)
	}
	j.exitCode = 0
	j.finish(models.JobStateCompleted)
	return nil
}

// FailedWith moves the job from Started to Failed with a non-zero build exit code
func (j *JobStatus) FailedWith(exitCode int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != models.JobStateStarted {
		return j.invalid(models.JobStateFailed)
	}
	j.exitCode = exitCode
	j.finish(models.JobStateFailed)
	return nil
}

// Errored moves the job from Pending or Started to Error
func (j *JobStatus) Errored(cause error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Terminal() {
		return j.invalid(models.JobStateError)
	}
	j.err = cause
	j.finish(models.JobStateError)
	return nil
}

// finish must be called with mu held
func (j *JobStatus) finish(state models.JobState) {
	j.state = state
	j.finishedAt = time.Now()
	if j.logFile != nil {
		j.logFile.Close()
		j.logFile = nil
	}
	close(j.done)
	j.events <- Event{Kind: EventFinished, Job: j}
}

func (j *JobStatus) invalid(to models.JobState) error {
	return fmt.Errorf("%w: job %s from %s to %s", ErrInvalidTransition, j.id, j.state, to)
}

// Record returns a history snapshot of the job
func (j *JobStatus) Record() models.JobRun {
	j.mu.Lock()
	defer j.mu.Unlock()

	run := models.JobRun{
		PipelineID: j.pipelineID,
		JobID:      j.id,
		Agent:      j.agent,
		State:      j.state,
	}
	if j.state == models.JobStateFailed || j.state == models.JobStateCompleted {
		code := j.exitCode
		run.ExitCode = &code
	}
	if j.err != nil {
		run.Error = j.err.Error()
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		run.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		run.FinishedAt = &t
	}
	return run
}

// writeTaskFile persists the build task as task.json
func (j *JobStatus) writeTaskFile() error {
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	data, err := json.MarshalIndent(j.task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	return os.WriteFile(filepath.Join(j.dir, taskFile), data, 0o644)
}

func (j *JobStatus) String() string {
	return j.pipelineID + "/" + j.id
}
