package scheduler

import (
	"context"
	"time"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/storage"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

const historyTimeout = 5 * time.Second

// historyRecorder persists status snapshots. Failures are logged; they never affect a run.
type historyRecorder struct {
	storage storage.Storage
	logger  *utils.Logger
}

func newHistoryRecorder(store storage.Storage) *historyRecorder {
	return &historyRecorder{
		storage: store,
		logger:  utils.NewLogger("history", utils.INFO),
	}
}

func (h *historyRecorder) RecordJob(run models.JobRun) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := h.storage.UpsertJobRun(ctx, &run); err != nil {
		h.logger.Error("Failed to record job %s/%s: %v", run.PipelineID, run.JobID, err)
	}
}

func (h *historyRecorder) RecordPipeline(run models.PipelineRun) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	if err := h.storage.UpdatePipelineRun(ctx, &run); err != nil {
		h.logger.Error("Failed to record pipeline %s: %v", run.ID, err)
	}
}
