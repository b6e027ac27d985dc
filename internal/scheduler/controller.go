package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/protocol"
	"github.com/sharma-sourabh3435/buildfarm/internal/transport"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

// DefaultQueryTimeout bounds one platform query to an agent. The query runs while the job
// queue is locked, so an unresponsive agent holds every other consumer up for at most this long.
const DefaultQueryTimeout = 10 * time.Second

// errOverLimit abandons a pending dispatch after the worker count was lowered below the
// number of reserved slots
var errOverLimit = errors.New("agent over its worker limit")

// Session describes a job running on an agent
type Session struct {
	PipelineID string    `json:"pipeline_id"`
	JobID      string    `json:"job_id"`
	StartedAt  time.Time `json:"started_at"`
}

// AgentController pulls jobs from the queue for one agent, keeping at most Workers sessions
// running on it
type AgentController struct {
	name         string
	opener       transport.Opener
	queue        *JobQueue
	platform     models.Platform
	retryDelay   time.Duration
	queryTimeout time.Duration
	logger       *utils.Logger

	mu       sync.Mutex
	workers  int
	running  int
	changed  chan struct{}
	sessions map[*RunnableJob]Session

	wg sync.WaitGroup
}

// NewAgentController creates a controller for agent cfg that opens sessions through opener
func NewAgentController(cfg models.AgentConfig, opener transport.Opener, queue *JobQueue, retryDelay time.Duration) *AgentController {
	if retryDelay <= 0 {
		retryDelay = models.DefaultRetryDelay
	}
	return &AgentController{
		name:         cfg.Name,
		opener:       opener,
		queue:        queue,
		platform:     models.CurrentPlatform(),
		retryDelay:   retryDelay,
		queryTimeout: DefaultQueryTimeout,
		logger:       utils.NewLogger("agent:"+cfg.Name, utils.INFO),
		workers:      cfg.Workers,
		changed:      make(chan struct{}),
		sessions:     make(map[*RunnableJob]Session),
	}
}

// Name returns the agent name
func (c *AgentController) Name() string {
	return c.name
}

// Run dispatches jobs until ctx is done, then waits for every session it started
func (c *AgentController) Run(ctx context.Context) {
	c.logger.Info("Controller started (workers: %d)", c.Workers())
	defer c.logger.Info("Controller stopped")
	defer c.wg.Wait()

	for {
		if err := c.reserve(ctx); err != nil {
			return
		}

		release := c.releaser()
		if err := c.dispatch(ctx, release); err != nil {
			release()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errOverLimit) {
				c.logger.Debug("Dropped pending dispatch: %v", err)
				continue
			}
			c.logger.Warn("Dispatch attempt failed, retrying in %v: %v", c.retryDelay, err)

			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatch opens a connection, waits for a job the agent accepts and starts its session.
// On success the session owns release.
func (c *AgentController) dispatch(ctx context.Context, release func()) error {
	conn, err := c.opener.Open(ctx)
	if err != nil {
		return err
	}
	d := protocol.NewDispatcher(c.name, conn)

	// Liveness probe; the answer does not matter.
	if _, err := c.supportsPlatform(ctx, d, c.platform); err != nil {
		d.Close()
		return err
	}

	job, err := c.queue.AcceptJob(ctx, func(task models.BuildTask) (bool, error) {
		if c.overLimit() {
			return false, errOverLimit
		}
		ok, err := c.supportsPlatform(ctx, d, task.Platform)
		if err != nil || !ok {
			return false, err
		}
		// The worker count may have been lowered during the round trip.
		if c.overLimit() {
			return false, errOverLimit
		}
		return true, nil
	})
	if err != nil {
		d.Close()
		return err
	}

	c.wg.Add(1)
	go c.runSession(ctx, d, job, release)
	return nil
}

func (c *AgentController) supportsPlatform(ctx context.Context, d *protocol.Dispatcher, platform models.Platform) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return d.SupportsPlatform(ctx, platform)
}

// overLimit reports whether more slots are reserved than the worker count allows. The
// caller's own reservation is included.
func (c *AgentController) overLimit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running > c.workers
}

func (c *AgentController) runSession(ctx context.Context, d *protocol.Dispatcher, job *RunnableJob, release func()) {
	defer c.wg.Done()
	defer release()
	defer d.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-job.Status().Cancelled():
			cancel()
		case <-ctx.Done():
		}
	}()

	c.track(job)
	defer c.untrack(job)

	c.logger.Info("Running job %s/%s", job.PipelineID(), job.ID())
	if err := d.Run(ctx, job); err != nil {
		c.logger.Warn("Job %s/%s ended with error: %v", job.PipelineID(), job.ID(), err)
		return
	}
	c.logger.Info("Job %s/%s finished: %s", job.PipelineID(), job.ID(), job.Status().State())
}

// reserve waits for a free slot and takes it
func (c *AgentController) reserve(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.running < c.workers {
			c.running++
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// releaser returns a function that frees the reserved slot the first time it is called
func (c *AgentController) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.running--
			c.signalLocked()
			c.mu.Unlock()
		})
	}
}

func (c *AgentController) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// UpdateConfig changes the worker count. Sessions already running are not interrupted when
// it shrinks; a dispatch still waiting for a job is dropped before it takes one, and no new
// session starts until the count is back under the limit.
func (c *AgentController) UpdateConfig(workers int) error {
	if err := models.ValidateWorkers(workers); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	increased := workers > c.workers
	c.workers = workers
	if increased {
		c.signalLocked()
	}
	c.logger.Info("Workers set to %d", workers)
	return nil
}

// Workers returns the configured worker count
func (c *AgentController) Workers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers
}

// RunningJobs returns the number of reserved slots, including dispatch attempts in progress
func (c *AgentController) RunningJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Sessions returns the jobs currently running on the agent, oldest first
func (c *AgentController) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions
}

func (c *AgentController) track(job *RunnableJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[job] = Session{PipelineID: job.PipelineID(), JobID: job.ID(), StartedAt: time.Now()}
}

func (c *AgentController) untrack(job *RunnableJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, job)
}
