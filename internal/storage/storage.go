package storage

import (
	"context"
	"errors"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Storage defines the interface for database operations
type Storage interface {
	// Pipeline run operations
	CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error
	UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error
	GetPipelineRun(ctx context.Context, id string) (*models.PipelineRun, error)
	ListPipelineRuns(ctx context.Context, limit, offset int) ([]*models.PipelineRun, error)

	// Job run operations
	UpsertJobRun(ctx context.Context, run *models.JobRun) error
	GetJobRuns(ctx context.Context, pipelineID string) ([]*models.JobRun, error)

	// Agent operations
	SaveAgent(ctx context.Context, agent models.AgentConfig) error
	ListAgents(ctx context.Context) ([]models.AgentConfig, error)
	DeleteAgent(ctx context.Context, name string) error

	// Database management
	Close() error
	Ping(ctx context.Context) error
}
