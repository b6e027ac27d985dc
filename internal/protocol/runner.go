package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/transport"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

// BuildDirs are the per-job directories on the agent
type BuildDirs struct {
	Root       string
	Workspace  string
	Artifacts  string
	ReplayFile string
}

// Build is everything an executor needs to run one task
type Build struct {
	Task models.BuildTask
	Dirs BuildDirs
	// SdkDirs maps each required SDK name to its installation directory
	SdkDirs map[string]string
}

// Executor runs the build tool. A non-zero exit code is a build failure, not an error;
// an error means the tool could not be run at all.
type Executor interface {
	Execute(ctx context.Context, build Build, output io.Writer) (exitCode int, err error)
}

// SdkCache locates installed SDKs
type SdkCache interface {
	InstalledSdkDir(sdk models.SdkRequirement) (hash string, dir string, err error)
}

// RunnerConfig configures a Runner
type RunnerConfig struct {
	Platform models.Platform
	// WorkDir holds one temporary directory per session
	WorkDir  string
	Executor Executor
	// Sdks may be nil when no task requires SDKs
	Sdks SdkCache
	// KeepDirs leaves job directories in place after the session
	KeepDirs bool
}

// Runner serves sessions on the agent side
type Runner struct {
	cfg    RunnerConfig
	logger *utils.Logger
}

// NewRunner creates a runner
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Platform == (models.Platform{}) {
		cfg.Platform = models.CurrentPlatform()
	}
	return &Runner{
		cfg:    cfg,
		logger: utils.NewLogger("runner", utils.INFO),
	}
}

// Serve runs one session on conn and closes it. A dispatcher that closes the connection
// before dispatching a task, or after the build has finished, ends the session normally.
func (r *Runner) Serve(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	task, err := r.awaitTask(conn)
	if err != nil || task == nil {
		return err
	}

	dirs, err := r.createDirs()
	if err != nil {
		return err
	}
	if !r.cfg.KeepDirs {
		defer os.RemoveAll(dirs.Root)
	}

	cr := newChunkReader(conn, KindWorkspaceChunk, KindWorkspaceEnd)
	if err := extractWorkspace(cr, dirs.Workspace); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if err := cr.drain(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	sdkDirs, err := r.resolveSdks(task.Sdks)
	if err != nil {
		return err
	}

	build := Build{Task: *task, Dirs: dirs, SdkDirs: sdkDirs}
	exitCode, err := r.cfg.Executor.Execute(ctx, build, &chunkWriter{conn: conn, kind: KindBuildOutputChunk})
	if err != nil {
		return fmt.Errorf("failed to run build: %w", err)
	}

	var artifacts []string
	if exitCode == 0 {
		artifacts, err = listArtifacts(dirs.Artifacts)
		if err != nil {
			return err
		}
	}
	if err := send(conn, Message{Kind: KindJobFinished, ExitCode: exitCode, Artifacts: artifacts}); err != nil {
		return err
	}
	r.logger.Info("Build %s finished with exit code %d (%d artifacts)", task.BuildFile, exitCode, len(artifacts))

	return r.serveArtifacts(ctx, conn, dirs, artifacts)
}

// awaitTask answers platform queries until a task arrives. It returns a nil task when the
// dispatcher closes the connection first.
func (r *Runner) awaitTask(conn transport.Conn) (*models.BuildTask, error) {
	for {
		msg, err := receive(conn)
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		switch msg.Kind {
		case KindPlatformSupportRequest:
			supported := msg.Platform != nil && r.cfg.Platform.SupportsRunning(*msg.Platform)
			if err := send(conn, Message{Kind: KindPlatformSupportResponse, Supported: supported}); err != nil {
				return nil, err
			}
		case KindTaskDispatch:
			if msg.Task == nil {
				return nil, fmt.Errorf("protocol error: task dispatch without task")
			}
			return msg.Task, nil
		default:
			return nil, &ProtocolError{
				Expected: []Kind{KindPlatformSupportRequest, KindTaskDispatch},
				Received: msg.Kind,
			}
		}
	}
}

func (r *Runner) createDirs() (BuildDirs, error) {
	root, err := os.MkdirTemp(r.cfg.WorkDir, "job-")
	if err != nil {
		return BuildDirs{}, fmt.Errorf("failed to create job directory: %w", err)
	}
	dirs := BuildDirs{
		Root:       root,
		Workspace:  filepath.Join(root, "workspace"),
		Artifacts:  filepath.Join(root, "artifacts"),
		ReplayFile: filepath.Join(root, "replay.tar"),
	}
	for _, dir := range []string{dirs.Workspace, dirs.Artifacts} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			os.RemoveAll(root)
			return BuildDirs{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return dirs, nil
}

func (r *Runner) resolveSdks(sdks []models.SdkRequirement) (map[string]string, error) {
	if len(sdks) == 0 {
		return nil, nil
	}
	if r.cfg.Sdks == nil {
		return nil, fmt.Errorf("task requires SDKs but no SDK cache is configured")
	}

	dirs := make(map[string]string, len(sdks))
	for _, sdk := range sdks {
		hash, dir, err := r.cfg.Sdks.InstalledSdkDir(sdk)
		if err != nil {
			return nil, fmt.Errorf("sdk %s: %w", sdk, err)
		}
		r.logger.Debug("Using SDK %s (%s) from %s", sdk, hash, dir)
		dirs[sdk.Name] = dir
	}
	return dirs, nil
}

// serveArtifacts answers artifact requests until the dispatcher closes the connection
func (r *Runner) serveArtifacts(ctx context.Context, conn transport.Conn, dirs BuildDirs, artifacts []string) error {
	for {
		msg, err := receive(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			// A dispatcher closing without a close frame still ends the session.
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		if msg.Kind != KindArtifactRequest {
			return &ProtocolError{Expected: []Kind{KindArtifactRequest}, Received: msg.Kind}
		}

		var file string
		switch {
		case msg.Replay:
			file = dirs.ReplayFile
		case models.IsValidSubPath(msg.Name) && slices.Contains(artifacts, msg.Name):
			file = filepath.Join(dirs.Artifacts, filepath.FromSlash(msg.Name))
		default:
			r.logger.Warn("Refusing artifact request %q", msg.Name)
		}

		if err := r.streamFile(conn, file); err != nil {
			return err
		}
	}
}

// streamFile sends file as artifact data. A missing or unreadable file is reported with
// the error flag; only transport failures are returned.
func (r *Runner) streamFile(conn transport.Conn, file string) error {
	if file == "" {
		return send(conn, Message{Kind: KindArtifactEnd, HasError: true})
	}

	f, err := os.Open(file)
	if err != nil {
		r.logger.Warn("Artifact %s unavailable: %v", file, err)
		return send(conn, Message{Kind: KindArtifactEnd, HasError: true})
	}
	defer f.Close()

	cw := &chunkWriter{conn: conn, kind: KindArtifactDataChunk}
	bw := bufio.NewWriterSize(cw, ChunkSize)
	if _, err := io.Copy(bw, f); err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			r.logger.Warn("Failed to read artifact %s: %v", file, err)
			return send(conn, Message{Kind: KindArtifactEnd, HasError: true})
		}
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return send(conn, Message{Kind: KindArtifactEnd})
}

// listArtifacts returns the slash-separated paths of the regular files under dir
func listArtifacts(dir string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return names, nil
}
