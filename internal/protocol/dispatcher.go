package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/status"
	"github.com/sharma-sourabh3435/buildfarm/internal/transport"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

// Job is the server-side view of a job handed to a dispatcher
type Job interface {
	Status() *status.JobStatus
	// WriteWorkspace adds every input of the job to w, waiting for producer jobs as needed
	WriteWorkspace(ctx context.Context, w *WorkspaceWriter) error
	ArtifactSaver() ArtifactSaver
}

// Dispatcher drives sessions on one connection to an agent
type Dispatcher struct {
	agent  string
	conn   transport.Conn
	logger *utils.Logger
}

// NewDispatcher creates a dispatcher for a connection to the named agent
func NewDispatcher(agent string, conn transport.Conn) *Dispatcher {
	return &Dispatcher{
		agent:  agent,
		conn:   conn,
		logger: utils.NewLogger("dispatcher", utils.INFO),
	}
}

// SupportsPlatform asks the runner whether it can run tasks targeting platform
func (d *Dispatcher) SupportsPlatform(ctx context.Context, platform models.Platform) (bool, error) {
	stop := context.AfterFunc(ctx, func() { d.conn.Close() })
	defer stop()

	if err := send(d.conn, Message{Kind: KindPlatformSupportRequest, Platform: &platform}); err != nil {
		return false, d.wrap(ctx, err)
	}
	msg, err := expect(d.conn, KindPlatformSupportResponse)
	if err != nil {
		return false, d.wrap(ctx, err)
	}
	return msg.Supported, nil
}

// Run drives job to a terminal state. Cancelling ctx closes the connection; the job is then
// marked Error with ErrCancelled. Run returns the error that ended the session, which is
// nil when the build ran to completion, whether it passed or failed.
func (d *Dispatcher) Run(ctx context.Context, job Job) (err error) {
	js := job.Status()
	stop := context.AfterFunc(ctx, func() { d.conn.Close() })
	defer stop()

	defer func() {
		if err == nil {
			return
		}
		err = d.wrap(ctx, err)
		if js.State().Terminal() {
			return
		}
		if markErr := js.Errored(err); markErr != nil {
			d.logger.Error("Failed to mark job %s as errored: %v", js.ID(), markErr)
		}
	}()

	task := js.Task()
	if err := send(d.conn, Message{Kind: KindTaskDispatch, Task: &task}); err != nil {
		return err
	}
	if err := js.Started(d.agent); err != nil {
		return err
	}

	if err := d.sendWorkspace(ctx, job); err != nil {
		return err
	}

	finished, err := d.relayOutput(js)
	if err != nil {
		return err
	}

	if finished.ExitCode != 0 {
		d.logger.Info("Job %s exited with code %d on %s", js.ID(), finished.ExitCode, d.agent)
		return js.FailedWith(finished.ExitCode)
	}

	if task.Replay {
		if err := d.fetchReplay(js); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
	}

	saver := job.ArtifactSaver()
	for _, name := range finished.Artifacts {
		if !models.IsValidSubPath(name) {
			return fmt.Errorf("%w: %q", ErrInvalidArtifactPath, name)
		}
		if err := d.request(Message{Kind: KindArtifactRequest, Name: name}, func(r io.Reader) error {
			return saver.SaveArtifact(name, r)
		}); err != nil {
			return fmt.Errorf("artifact %s: %w", name, err)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return js.Completed()
}

// Close closes the connection
func (d *Dispatcher) Close() error {
	return d.conn.Close()
}

// sendWorkspace streams the archive while it is being built; inputs may block on producer jobs
func (d *Dispatcher) sendWorkspace(ctx context.Context, job Job) error {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := writeWorkspace(pw, func(w *WorkspaceWriter) error {
			return job.WriteWorkspace(gctx, w)
		})
		pw.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		buf := make([]byte, ChunkSize)
		for {
			n, err := io.ReadFull(pr, buf)
			if n > 0 {
				if sendErr := send(d.conn, Message{Kind: KindWorkspaceChunk, Data: buf[:n]}); sendErr != nil {
					pr.CloseWithError(sendErr)
					return sendErr
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	return send(d.conn, Message{Kind: KindWorkspaceEnd})
}

func (d *Dispatcher) relayOutput(js *status.JobStatus) (Message, error) {
	for {
		msg, err := expect(d.conn, KindBuildOutputChunk, KindJobFinished)
		if err != nil {
			return Message{}, err
		}
		if msg.Kind == KindJobFinished {
			return msg, nil
		}
		if err := js.AppendOutput(msg.Data); err != nil {
			return Message{}, err
		}
	}
}

func (d *Dispatcher) fetchReplay(js *status.JobStatus) error {
	return d.request(Message{Kind: KindArtifactRequest, Replay: true}, func(r io.Reader) error {
		f, err := js.OpenReplay()
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// request sends an artifact request and hands the data stream to save
func (d *Dispatcher) request(req Message, save func(io.Reader) error) error {
	if err := send(d.conn, req); err != nil {
		return err
	}
	r := newChunkReader(d.conn, KindArtifactDataChunk, KindArtifactEnd)
	if err := save(r); err != nil {
		return err
	}
	return r.drain()
}

// wrap reports errors caused by cancelling ctx as ErrCancelled
func (d *Dispatcher) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}
