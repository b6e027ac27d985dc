// Package status holds the state machines that record the progress of pipeline runs.
//
// A PipelineStatus owns one JobStatus per job. Jobs report their transitions as events on a
// channel owned by the pipeline; a single goroutine per pipeline turns them into log lines,
// counters and the completion signal.
package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

// Recorder receives history snapshots as a pipeline progresses
type Recorder interface {
	RecordJob(run models.JobRun)
	RecordPipeline(run models.PipelineRun)
}

// PipelineStatus aggregates the jobs of one pipeline run
type PipelineStatus struct {
	id        string
	dir       string
	createdAt time.Time
	jobs      map[string]*JobStatus
	order     []*JobStatus
	events    chan Event
	recorder  Recorder
	logger    *utils.Logger

	mu            sync.Mutex
	output        []string
	outputChanged chan struct{}
	logFile       *os.File
	finished      int
	failed        int
	state         models.PipelineState
	finishedAt    time.Time

	done chan struct{}
}

// NewPipelineStatus creates the pipeline directory under dir, one JobStatus per job and
// starts consuming job events. recorder may be nil.
func NewPipelineStatus(id, dir string, jobs []*models.BuildJob, recorder Recorder) (*PipelineStatus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pipeline directory: %w", err)
	}
	logFile, err := os.Create(filepath.Join(dir, outputFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline output log: %w", err)
	}

	p := &PipelineStatus{
		id:            id,
		dir:           dir,
		createdAt:     time.Now(),
		jobs:          make(map[string]*JobStatus, len(jobs)),
		events:        make(chan Event, 2*len(jobs)),
		recorder:      recorder,
		logger:        utils.NewLogger("pipeline", utils.INFO),
		outputChanged: make(chan struct{}),
		logFile:       logFile,
		state:         models.PipelineStateRunning,
		done:          make(chan struct{}),
	}

	for _, job := range jobs {
		js := newJobStatus(id, filepath.Join(dir, "jobs", job.ID()), job, p.events)
		if err := js.writeTaskFile(); err != nil {
			logFile.Close()
			return nil, err
		}
		p.jobs[job.ID()] = js
		p.order = append(p.order, js)
	}

	p.record()
	for _, js := range p.order {
		p.recordJob(js)
	}

	if len(jobs) == 0 {
		p.complete()
		return p, nil
	}

	go p.run()
	return p, nil
}

func (p *PipelineStatus) run() {
	for event := range p.events {
		job := event.Job
		switch event.Kind {
		case EventStarted:
			p.appendLine(fmt.Sprintf("Started job %s on agent %s.", job.ID(), job.Agent()))
			p.recordJob(job)

		case EventFinished:
			switch job.State() {
			case models.JobStateCompleted:
				p.appendLine(fmt.Sprintf("Job %s completed successfully.", job.ID()))
			case models.JobStateFailed:
				p.appendLine(fmt.Sprintf("Job %s exited with error code %d.", job.ID(), job.ExitCode()))
			default:
				p.appendLine(fmt.Sprintf("Error occurred while running job %s.", job.ID()))
				if err := job.Err(); err != nil {
					p.logger.Warn("Job %s/%s error: %v", p.id, job.ID(), err)
				}
			}
			p.recordJob(job)

			p.mu.Lock()
			p.finished++
			if job.State() != models.JobStateCompleted {
				p.failed++
			}
			last := p.finished == len(p.jobs)
			p.mu.Unlock()

			if last {
				p.complete()
				return
			}
		}
	}
}

// complete appends the summary line and fires completion; it runs exactly once
func (p *PipelineStatus) complete() {
	p.mu.Lock()
	failed := p.failed
	p.mu.Unlock()

	if failed == 0 {
		p.appendLine("All jobs completed successfully.")
	} else {
		p.appendLine(fmt.Sprintf("All jobs completed. %d failed.", failed))
	}

	p.mu.Lock()
	if failed == 0 {
		p.state = models.PipelineStateSuccessful
	} else {
		p.state = models.PipelineStateFailed
	}
	p.finishedAt = time.Now()
	p.logFile.Close()
	p.mu.Unlock()

	p.record()
	close(p.done)
}

func (p *PipelineStatus) appendLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.output = append(p.output, line)
	if _, err := fmt.Fprintln(p.logFile, line); err != nil {
		p.logger.Error("Failed to write output log for pipeline %s: %v", p.id, err)
	}
	close(p.outputChanged)
	p.outputChanged = make(chan struct{})
}

func (p *PipelineStatus) recordJob(job *JobStatus) {
	if p.recorder != nil {
		p.recorder.RecordJob(job.Record())
	}
}

func (p *PipelineStatus) record() {
	if p.recorder != nil {
		p.recorder.RecordPipeline(p.Record())
	}
}

// ID returns the pipeline run id
func (p *PipelineStatus) ID() string {
	return p.id
}

// Dir returns the pipeline directory
func (p *PipelineStatus) Dir() string {
	return p.dir
}

// Job returns the status of the job with the given id
func (p *PipelineStatus) Job(id string) (*JobStatus, bool) {
	job, ok := p.jobs[id]
	return job, ok
}

// Jobs returns the job statuses in submission order
func (p *PipelineStatus) Jobs() []*JobStatus {
	jobs := make([]*JobStatus, len(p.order))
	copy(jobs, p.order)
	return jobs
}

// State returns Running until every job is terminal, then Successful or Failed
func (p *PipelineStatus) State() models.PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FailedJobs returns the number of jobs that finished without completing successfully
func (p *PipelineStatus) FailedJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// Output returns the pipeline log lines
func (p *PipelineStatus) Output() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	lines := make([]string, len(p.output))
	copy(lines, p.output)
	return lines
}

// OutputChanged returns a channel that is closed the next time a line is appended
func (p *PipelineStatus) OutputChanged() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputChanged
}

// Done is closed once every job is terminal and the summary line is written
func (p *PipelineStatus) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the pipeline is done or ctx is done
func (p *PipelineStatus) Wait(ctx context.Context) (models.PipelineState, error) {
	select {
	case <-p.done:
		return p.State(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CancelAll signals every job of the pipeline to stop
func (p *PipelineStatus) CancelAll() {
	for _, job := range p.order {
		job.Cancel()
	}
}

// Record returns a history snapshot of the pipeline. BuildNumber is assigned by storage.
func (p *PipelineStatus) Record() models.PipelineRun {
	p.mu.Lock()
	defer p.mu.Unlock()

	run := models.PipelineRun{
		ID:         p.id,
		State:      p.state,
		JobCount:   len(p.jobs),
		FailedJobs: p.failed,
		CreatedAt:  p.createdAt,
	}
	if !p.finishedAt.IsZero() {
		t := p.finishedAt
		run.FinishedAt = &t
	}
	return run
}
