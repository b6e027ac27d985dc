package scheduler

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/protocol"
	"github.com/sharma-sourabh3435/buildfarm/internal/status"
	"github.com/sharma-sourabh3435/buildfarm/internal/storage"
	"github.com/sharma-sourabh3435/buildfarm/internal/transport"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

// Scheduler errors
var (
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrAgentExists      = errors.New("agent already exists")
	ErrUnknownPipeline  = errors.New("unknown pipeline")
	ErrNotDialIn        = errors.New("agent does not dial in")
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// Scheduler is the main scheduler that coordinates pipelines, the job queue and agents
type Scheduler struct {
	storage      storage.Storage
	recorder     status.Recorder
	dataDir      string
	retryDelay   time.Duration
	httpClient   *http.Client
	certificates []tls.Certificate
	seedAgents   []models.AgentConfig
	queue        *JobQueue
	logger       *utils.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	mu        sync.RWMutex
	agents    map[string]*agentEntry
	pipelines map[string]*status.PipelineStatus
}

type agentEntry struct {
	config     models.AgentConfig
	controller *AgentController
	pool       *transport.Pool
	cancel     context.CancelFunc
	done       chan struct{}
}

// Config holds scheduler configuration
type Config struct {
	// Storage persists history and agent configurations. Optional.
	Storage storage.Storage
	// DataDir holds pipeline directories
	DataDir    string
	RetryDelay time.Duration
	// HTTPClient fetches HTTP inputs
	HTTPClient *http.Client
	// Certificates is the client identity presented when dialing agents
	Certificates []tls.Certificate
	// Agents are added on Start unless already known
	Agents []models.AgentConfig
}

// AgentInfo describes a configured agent and what it is running
type AgentInfo struct {
	Name        string    `json:"name"`
	Workers     int       `json:"workers"`
	RunningJobs int       `json:"running_jobs"`
	DialIn      bool      `json:"dial_in"`
	Address     string    `json:"address,omitempty"`
	IdleConns   int       `json:"idle_connections"`
	Sessions    []Session `json:"sessions"`
}

// NewScheduler creates a new scheduler instance
func NewScheduler(config Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		storage:      config.Storage,
		dataDir:      config.DataDir,
		retryDelay:   config.RetryDelay,
		httpClient:   config.HTTPClient,
		certificates: config.Certificates,
		seedAgents:   config.Agents,
		queue:        NewJobQueue(),
		logger:       utils.NewLogger("scheduler", utils.INFO),
		ctx:          ctx,
		cancel:       cancel,
		agents:       make(map[string]*agentEntry),
		pipelines:    make(map[string]*status.PipelineStatus),
	}
	if s.retryDelay <= 0 {
		s.retryDelay = models.DefaultRetryDelay
	}
	if config.Storage != nil {
		s.recorder = newHistoryRecorder(config.Storage)
	}
	return s
}

// Start starts a controller for every persisted and configured agent
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler")

	var agents []models.AgentConfig
	if s.storage != nil {
		stored, err := s.storage.ListAgents(s.ctx)
		if err != nil {
			return fmt.Errorf("failed to load agents: %w", err)
		}
		agents = stored
	}

	known := make(map[string]bool, len(agents))
	for _, cfg := range agents {
		known[cfg.Name] = true
	}
	for _, cfg := range s.seedAgents {
		if known[cfg.Name] {
			continue
		}
		if err := s.saveAgent(cfg); err != nil {
			return err
		}
		agents = append(agents, cfg)
	}

	for _, cfg := range agents {
		if err := cfg.Validate(); err != nil {
			s.logger.Warn("Skipping invalid agent: %v", err)
			continue
		}
		s.mu.Lock()
		if _, exists := s.agents[cfg.Name]; !exists {
			s.agents[cfg.Name] = s.startAgent(cfg)
		}
		s.mu.Unlock()
	}

	s.logger.Info("Scheduler started successfully (%d agents)", len(agents))
	return nil
}

// Stop stops every controller, waits for running sessions and errors out queued jobs
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for _, entry := range s.agents {
		if entry.pool != nil {
			entry.pool.Close()
		}
	}
	s.mu.Unlock()

	// Every consumer has exited, so the queue is free.
	queued, _ := s.queue.Remove(context.Background(), func(*RunnableJob) bool { return true })
	for _, job := range queued {
		job.Status().Errored(protocol.ErrCancelled)
	}
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) startAgent(cfg models.AgentConfig) *agentEntry {
	entry := &agentEntry{config: cfg, done: make(chan struct{})}

	var opener transport.Opener
	if cfg.Connection.DialIn() {
		entry.pool = transport.NewPool(models.MaxWorkers)
		opener = entry.pool
	} else {
		opener = transport.NewDialer(cfg, s.certificates)
	}
	entry.controller = NewAgentController(cfg, opener, s.queue, s.retryDelay)

	ctx, cancel := context.WithCancel(s.ctx)
	entry.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(entry.done)
		entry.controller.Run(ctx)
	}()
	return entry
}

// SubmitPipeline validates jobs, creates the pipeline run and queues every job. Nothing is
// queued when validation fails.
func (s *Scheduler) SubmitPipeline(ctx context.Context, jobs []*models.BuildJob) (*status.PipelineStatus, error) {
	if s.ctx.Err() != nil {
		return nil, ErrSchedulerStopped
	}

	ordered, err := BuildGraph(jobs)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if s.storage != nil {
		run := &models.PipelineRun{ID: id, JobCount: len(ordered), CreatedAt: time.Now()}
		if err := s.storage.CreatePipelineRun(ctx, run); err != nil {
			return nil, err
		}
	}

	dir := filepath.Join(s.dataDir, "pipelines", id)
	ps, err := status.NewPipelineStatus(id, dir, ordered, s.recorder)
	if err != nil {
		return nil, err
	}

	inputs := newInputCache(filepath.Join(dir, "inputs"), s.httpClient)
	runnable := make([]*RunnableJob, 0, len(ordered))
	for _, job := range ordered {
		js, _ := ps.Job(job.ID())
		runnable = append(runnable, &RunnableJob{job: job, status: js, pipeline: ps, inputs: inputs})
	}

	s.mu.Lock()
	s.pipelines[id] = ps
	s.mu.Unlock()

	if err := s.queue.Add(ctx, runnable...); err != nil {
		s.mu.Lock()
		delete(s.pipelines, id)
		s.mu.Unlock()
		for _, job := range runnable {
			job.Status().Errored(err)
		}
		return nil, fmt.Errorf("failed to queue pipeline %s: %w", id, err)
	}
	s.logger.Info("Submitted pipeline %s with %d jobs", id, len(runnable))
	return ps, nil
}

// Pipeline returns the status of a pipeline run submitted to this process
func (s *Scheduler) Pipeline(id string) (*status.PipelineStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.pipelines[id]
	return ps, ok
}

// Pipelines returns every pipeline run submitted to this process, oldest first
func (s *Scheduler) Pipelines() []*status.PipelineStatus {
	s.mu.RLock()
	pipelines := make([]*status.PipelineStatus, 0, len(s.pipelines))
	for _, ps := range s.pipelines {
		pipelines = append(pipelines, ps)
	}
	s.mu.RUnlock()

	created := make(map[*status.PipelineStatus]time.Time, len(pipelines))
	for _, ps := range pipelines {
		created[ps] = ps.Record().CreatedAt
	}
	sort.Slice(pipelines, func(i, j int) bool {
		return created[pipelines[i]].Before(created[pipelines[j]])
	})
	return pipelines
}

// CancelPipeline signals every job of a pipeline and errors out the ones still queued. ctx
// bounds the wait for the job queue.
func (s *Scheduler) CancelPipeline(ctx context.Context, id string) error {
	ps, ok := s.Pipeline(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}

	ps.CancelAll()
	removed, err := s.queue.Remove(ctx, func(job *RunnableJob) bool {
		return job.PipelineID() == id
	})
	if err != nil {
		return fmt.Errorf("failed to cancel queued jobs of %s: %w", id, err)
	}
	for _, job := range removed {
		if err := job.Status().Errored(protocol.ErrCancelled); err != nil {
			s.logger.Warn("Failed to cancel queued job %s: %v", job.ID(), err)
		}
	}

	s.logger.Info("Cancelled pipeline %s (%d queued jobs removed)", id, len(removed))
	return nil
}

// AddAgent persists an agent and starts dispatching to it
func (s *Scheduler) AddAgent(cfg models.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, cfg.Name)
	}
	if err := s.saveAgent(cfg); err != nil {
		return err
	}
	s.agents[cfg.Name] = s.startAgent(cfg)
	s.logger.Info("Added agent %s", cfg.Name)
	return nil
}

// UpdateAgent changes the worker count of an agent
func (s *Scheduler) UpdateAgent(name string, workers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.agents[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	if err := entry.controller.UpdateConfig(workers); err != nil {
		return err
	}
	entry.config.Workers = workers
	return s.saveAgent(entry.config)
}

// RemoveAgent stops dispatching to an agent. Sessions running on it are cancelled.
func (s *Scheduler) RemoveAgent(name string) error {
	s.mu.Lock()
	entry, ok := s.agents[name]
	if ok {
		delete(s.agents, name)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}

	entry.cancel()
	<-entry.done
	if entry.pool != nil {
		entry.pool.Close()
	}

	if s.storage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := s.storage.DeleteAgent(ctx, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	s.logger.Info("Removed agent %s", name)
	return nil
}

// Agents returns every configured agent ordered by name
func (s *Scheduler) Agents() []AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]AgentInfo, 0, len(s.agents))
	for _, entry := range s.agents {
		info := AgentInfo{
			Name:        entry.config.Name,
			Workers:     entry.controller.Workers(),
			RunningJobs: entry.controller.RunningJobs(),
			DialIn:      entry.config.Connection.DialIn(),
			Sessions:    entry.controller.Sessions(),
		}
		if entry.pool != nil {
			info.IdleConns = entry.pool.Idle()
		} else {
			info.Address = entry.config.Connection.Address()
		}
		agents = append(agents, info)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents
}

// Authenticate returns the dial-in agent whose key matches
func (s *Scheduler) Authenticate(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, entry := range s.agents {
		if entry.pool == nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(entry.config.Key), []byte(key)) == 1 {
			return name, true
		}
	}
	return "", false
}

// AcceptAgentConn hands a connection opened by a dial-in agent to its controller. The
// connection is closed when it cannot be used.
func (s *Scheduler) AcceptAgentConn(name string, conn transport.Conn) error {
	s.mu.RLock()
	entry, ok := s.agents[name]
	s.mu.RUnlock()

	switch {
	case !ok:
		conn.Close()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	case entry.pool == nil:
		conn.Close()
		return fmt.Errorf("%w: %s", ErrNotDialIn, name)
	}

	if !entry.pool.Offer(conn) {
		return fmt.Errorf("agent %s: connection rejected", name)
	}
	return nil
}

// Storage returns the history storage, which may be nil
func (s *Scheduler) Storage() storage.Storage {
	return s.storage
}

// GetStats returns current scheduler statistics
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	running := 0
	for _, entry := range s.agents {
		running += entry.controller.RunningJobs()
	}
	active := 0
	for _, ps := range s.pipelines {
		if ps.State() == models.PipelineStateRunning {
			active++
		}
	}

	return map[string]interface{}{
		"queue_size":       s.queue.Len(),
		"total_agents":     len(s.agents),
		"running_jobs":     running,
		"pipelines":        len(s.pipelines),
		"active_pipelines": active,
		"retry_delay":      s.retryDelay.String(),
	}
}

func (s *Scheduler) saveAgent(cfg models.AgentConfig) error {
	if s.storage == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	return s.storage.SaveAgent(ctx, cfg)
}
