package protocol

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/status"
	"github.com/sharma-sourabh3435/buildfarm/internal/transport"
)

type executorFunc func(ctx context.Context, build Build, output io.Writer) (int, error)

func (f executorFunc) Execute(ctx context.Context, build Build, output io.Writer) (int, error) {
	return f(ctx, build, output)
}

type testJob struct {
	js    *status.JobStatus
	files map[string][]byte
	saver ArtifactSaver
}

func (j *testJob) Status() *status.JobStatus { return j.js }

func (j *testJob) ArtifactSaver() ArtifactSaver { return j.saver }

func (j *testJob) WriteWorkspace(ctx context.Context, w *WorkspaceWriter) error {
	dir, err := os.MkdirTemp("", "workspace-src-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	i := 0
	for dest, content := range j.files {
		i++
		src := filepath.Join(dir, fmt.Sprintf("f%d", i))
		if err := os.WriteFile(src, content, 0o644); err != nil {
			return err
		}
		if err := w.AddFile(dest, src); err != nil {
			return err
		}
	}
	return nil
}

type countingSaver struct {
	mu    sync.Mutex
	names []string
	inner ArtifactSaver
}

func (s *countingSaver) SaveArtifact(name string, r io.Reader) error {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	return s.inner.SaveArtifact(name, r)
}

func newTestJob(t *testing.T, task models.BuildTask, files map[string][]byte) (*testJob, *status.PipelineStatus) {
	t.Helper()
	job, err := models.NewBuildJob("a", task)
	if err != nil {
		t.Fatalf("NewBuildJob failed: %v", err)
	}
	p, err := status.NewPipelineStatus("p", t.TempDir(), []*models.BuildJob{job}, nil)
	if err != nil {
		t.Fatalf("NewPipelineStatus failed: %v", err)
	}
	js, _ := p.Job("a")
	return &testJob{js: js, files: files, saver: &countingSaver{inner: DirSaver{Dir: js.ArtifactDir()}}}, p
}

// runSession runs a dispatcher and a runner against each other over an in-memory pipe
func runSession(t *testing.T, job *testJob, exec Executor) (dispatchErr, serveErr error) {
	t.Helper()
	serverSide, agentSide := transport.Pipe()

	runner := NewRunner(RunnerConfig{
		Platform: models.Platform{OS: "linux", Arch: "amd64"},
		WorkDir:  t.TempDir(),
		Executor: exec,
	})

	serveDone := make(chan error, 1)
	go func() { serveDone <- runner.Serve(context.Background(), agentSide) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := NewDispatcher("agent-1", serverSide)
	supported, err := d.SupportsPlatform(ctx, models.Platform{OS: "linux"})
	if err != nil || !supported {
		t.Fatalf("SupportsPlatform() = %v, %v", supported, err)
	}
	supported, err = d.SupportsPlatform(ctx, models.Platform{OS: "windows"})
	if err != nil || supported {
		t.Fatalf("SupportsPlatform(windows) = %v, %v", supported, err)
	}

	dispatchErr = d.Run(ctx, job)
	d.Close()

	select {
	case serveErr = <-serveDone:
	case <-ctx.Done():
		t.Fatal("runner did not finish")
	}
	return dispatchErr, serveErr
}

func TestSessionArtifactRoundTrip(t *testing.T) {
	big := make([]byte, 3*ChunkSize+17)
	rand.New(rand.NewSource(1)).Read(big)
	replay := []byte("recorded dependencies")

	task := models.BuildTask{BuildFile: "build.yaml", Replay: true, Arguments: map[string]string{"k": "v"}}
	job, _ := newTestJob(t, task, map[string][]byte{
		"build.yaml":   []byte("steps: []"),
		"src/main.txt": []byte("hello"),
	})

	exec := executorFunc(func(ctx context.Context, b Build, out io.Writer) (int, error) {
		src, err := os.ReadFile(filepath.Join(b.Dirs.Workspace, "src", "main.txt"))
		if err != nil {
			return 0, err
		}
		if b.Task.Arguments["k"] != "v" {
			return 0, fmt.Errorf("arguments not delivered: %v", b.Task.Arguments)
		}
		fmt.Fprintf(out, "read %s\r\n", src)
		fmt.Fprint(out, "building\n")

		os.MkdirAll(filepath.Join(b.Dirs.Artifacts, "sub"), 0o755)
		os.WriteFile(filepath.Join(b.Dirs.Artifacts, "out.bin"), big, 0o644)
		os.WriteFile(filepath.Join(b.Dirs.Artifacts, "sub", "small.txt"), []byte("x"), 0o644)
		os.WriteFile(b.Dirs.ReplayFile, replay, 0o644)
		return 0, nil
	})

	dispatchErr, serveErr := runSession(t, job, exec)
	if dispatchErr != nil {
		t.Fatalf("Run failed: %v", dispatchErr)
	}
	if serveErr != nil {
		t.Fatalf("Serve failed: %v", serveErr)
	}

	if job.js.State() != models.JobStateCompleted {
		t.Fatalf("Expected completed job, got %s (%v)", job.js.State(), job.js.Err())
	}
	if diff := cmp.Diff([]string{"read hello", "building"}, job.js.Output()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	got, err := os.ReadFile(filepath.Join(job.js.ArtifactDir(), "out.bin"))
	if err != nil {
		t.Fatalf("Failed to read saved artifact: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Error("Saved artifact differs from the produced one")
	}
	if got, _ := os.ReadFile(filepath.Join(job.js.ArtifactDir(), "sub", "small.txt")); string(got) != "x" {
		t.Errorf("Unexpected nested artifact %q", got)
	}
	if got, _ := os.ReadFile(job.js.ReplayPath()); !bytes.Equal(got, replay) {
		t.Errorf("Unexpected replay %q", got)
	}
}

func TestSessionNonZeroExitRequestsNothing(t *testing.T) {
	job, p := newTestJob(t, models.BuildTask{BuildFile: "build.yaml", Replay: true}, nil)

	exec := executorFunc(func(ctx context.Context, b Build, out io.Writer) (int, error) {
		os.WriteFile(filepath.Join(b.Dirs.Artifacts, "out.bin"), []byte("partial"), 0o644)
		os.WriteFile(b.Dirs.ReplayFile, []byte("r"), 0o644)
		fmt.Fprintln(out, "compile error")
		return 3, nil
	})

	dispatchErr, serveErr := runSession(t, job, exec)
	if dispatchErr != nil || serveErr != nil {
		t.Fatalf("session failed: %v / %v", dispatchErr, serveErr)
	}

	if job.js.State() != models.JobStateFailed || job.js.ExitCode() != 3 {
		t.Fatalf("Expected failed with 3, got %s/%d", job.js.State(), job.js.ExitCode())
	}
	saver := job.saver.(*countingSaver)
	if len(saver.names) != 0 {
		t.Errorf("Expected no artifact requests, got %v", saver.names)
	}
	if _, err := os.Stat(job.js.ReplayPath()); !os.IsNotExist(err) {
		t.Errorf("Expected no replay file, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Wait(ctx)
	found := false
	for _, line := range p.Output() {
		if line == "Job a exited with error code 3." {
			found = true
		}
	}
	if !found {
		t.Errorf("Missing exit code line in %v", p.Output())
	}
}

// fakeRunner plays the agent side by hand
func fakeRunner(t *testing.T, conn transport.Conn, script func(conn transport.Conn) error) chan error {
	done := make(chan error, 1)
	go func() {
		defer conn.Close()
		if _, err := expect(conn, KindTaskDispatch); err != nil {
			done <- err
			return
		}
		cr := newChunkReader(conn, KindWorkspaceChunk, KindWorkspaceEnd)
		if err := cr.drain(); err != nil {
			done <- err
			return
		}
		done <- script(conn)
	}()
	return done
}

func TestDispatcherProtocolViolation(t *testing.T) {
	job, _ := newTestJob(t, models.BuildTask{BuildFile: "build.yaml"}, nil)
	serverSide, agentSide := transport.Pipe()

	fakeRunner(t, agentSide, func(conn transport.Conn) error {
		return send(conn, Message{Kind: KindArtifactEnd})
	})

	err := NewDispatcher("agent-1", serverSide).Run(context.Background(), job)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected ProtocolError, got %v", err)
	}
	if perr.Received != KindArtifactEnd {
		t.Errorf("Unexpected received kind %s", perr.Received)
	}
	if job.js.State() != models.JobStateError {
		t.Errorf("Expected error state, got %s", job.js.State())
	}
}

func TestDispatcherPrematureEnd(t *testing.T) {
	job, _ := newTestJob(t, models.BuildTask{BuildFile: "build.yaml"}, nil)
	serverSide, agentSide := transport.Pipe()

	fakeRunner(t, agentSide, func(conn transport.Conn) error {
		return send(conn, Message{Kind: KindBuildOutputChunk, Data: []byte("partial")})
	})

	err := NewDispatcher("agent-1", serverSide).Run(context.Background(), job)
	var perr *ProtocolError
	if !errors.As(err, &perr) || !perr.EndOfStream {
		t.Fatalf("Expected end-of-stream ProtocolError, got %v", err)
	}
	if job.js.State() != models.JobStateError {
		t.Errorf("Expected error state, got %s", job.js.State())
	}
}

func TestDispatcherRejectsUnsafeArtifactName(t *testing.T) {
	job, _ := newTestJob(t, models.BuildTask{BuildFile: "build.yaml"}, nil)
	serverSide, agentSide := transport.Pipe()

	fakeRunner(t, agentSide, func(conn transport.Conn) error {
		return send(conn, Message{Kind: KindJobFinished, Artifacts: []string{"../../etc/passwd"}})
	})

	err := NewDispatcher("agent-1", serverSide).Run(context.Background(), job)
	if !errors.Is(err, ErrInvalidArtifactPath) {
		t.Fatalf("Expected ErrInvalidArtifactPath, got %v", err)
	}
	if job.js.State() != models.JobStateError {
		t.Errorf("Expected error state, got %s", job.js.State())
	}
}

func TestDispatcherArtifactErrorFlag(t *testing.T) {
	job, _ := newTestJob(t, models.BuildTask{BuildFile: "build.yaml"}, nil)
	serverSide, agentSide := transport.Pipe()

	fakeRunner(t, agentSide, func(conn transport.Conn) error {
		if err := send(conn, Message{Kind: KindJobFinished, Artifacts: []string{"out.bin"}}); err != nil {
			return err
		}
		if _, err := expect(conn, KindArtifactRequest); err != nil {
			return err
		}
		if err := send(conn, Message{Kind: KindArtifactDataChunk, Data: []byte("par")}); err != nil {
			return err
		}
		return send(conn, Message{Kind: KindArtifactEnd, HasError: true})
	})

	err := NewDispatcher("agent-1", serverSide).Run(context.Background(), job)
	if !errors.Is(err, ErrArtifactUnavailable) {
		t.Fatalf("Expected ErrArtifactUnavailable, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(job.js.ArtifactDir(), "out.bin")); !os.IsNotExist(statErr) {
		t.Errorf("Expected no saved artifact, got %v", statErr)
	}
}

func TestDispatcherCancellation(t *testing.T) {
	job, _ := newTestJob(t, models.BuildTask{BuildFile: "build.yaml"}, nil)
	serverSide, agentSide := transport.Pipe()

	fakeRunner(t, agentSide, func(conn transport.Conn) error {
		// Never report an exit code.
		_, err := conn.Read()
		return err
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := NewDispatcher("agent-1", serverSide).Run(ctx, job)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
	if job.js.State() != models.JobStateError || !errors.Is(job.js.Err(), ErrCancelled) {
		t.Errorf("Expected cancelled error state, got %s (%v)", job.js.State(), job.js.Err())
	}
}

func TestRunnerRefusesUnknownArtifacts(t *testing.T) {
	serverSide, agentSide := transport.Pipe()
	runner := NewRunner(RunnerConfig{
		WorkDir: t.TempDir(),
		Executor: executorFunc(func(ctx context.Context, b Build, out io.Writer) (int, error) {
			return 0, os.WriteFile(filepath.Join(b.Dirs.Artifacts, "ok.txt"), []byte("ok"), 0o644)
		}),
	})
	serveDone := make(chan error, 1)
	go func() { serveDone <- runner.Serve(context.Background(), agentSide) }()

	task := models.BuildTask{BuildFile: "build.yaml"}
	mustSend(t, serverSide, Message{Kind: KindTaskDispatch, Task: &task})
	var buf bytes.Buffer
	if err := writeWorkspace(&buf, func(*WorkspaceWriter) error { return nil }); err != nil {
		t.Fatalf("writeWorkspace failed: %v", err)
	}
	mustSend(t, serverSide, Message{Kind: KindWorkspaceChunk, Data: buf.Bytes()})
	mustSend(t, serverSide, Message{Kind: KindWorkspaceEnd})

	finished, err := expect(serverSide, KindJobFinished)
	if err != nil {
		t.Fatalf("expect JobFinished: %v", err)
	}
	if diff := cmp.Diff([]string{"ok.txt"}, finished.Artifacts); diff != "" {
		t.Errorf("artifact list mismatch (-want +got):\n%s", diff)
	}

	for _, name := range []string{"../ok.txt", "missing.txt", ""} {
		mustSend(t, serverSide, Message{Kind: KindArtifactRequest, Name: name})
		end, err := expect(serverSide, KindArtifactEnd)
		if err != nil {
			t.Fatalf("expect ArtifactEnd for %q: %v", name, err)
		}
		if !end.HasError {
			t.Errorf("Expected error flag for %q", name)
		}
	}

	// No replay was recorded.
	mustSend(t, serverSide, Message{Kind: KindArtifactRequest, Replay: true})
	if end, err := expect(serverSide, KindArtifactEnd); err != nil || !end.HasError {
		t.Errorf("Expected replay error flag, got %+v, %v", end, err)
	}

	serverSide.Close()
	if err := <-serveDone; err != nil {
		t.Errorf("Serve failed: %v", err)
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	err := writeWorkspace(&buf, func(w *WorkspaceWriter) error {
		return w.tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "../evil/", Mode: 0o755})
	})
	if err != nil {
		t.Fatalf("writeWorkspace failed: %v", err)
	}
	if err := extractWorkspace(&buf, t.TempDir()); !errors.Is(err, ErrInvalidArtifactPath) {
		t.Errorf("Expected ErrInvalidArtifactPath, got %v", err)
	}
}

func mustSend(t *testing.T, conn transport.Conn, msg Message) {
	t.Helper()
	if err := send(conn, msg); err != nil {
		t.Fatalf("send %s: %v", msg.Kind, err)
	}
}
