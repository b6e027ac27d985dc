package scheduler

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
	"github.com/sharma-sourabh3435/buildfarm/internal/protocol"
	"github.com/sharma-sourabh3435/buildfarm/internal/status"
	"github.com/sharma-sourabh3435/buildfarm/internal/transport"
)

func newRunnable(t *testing.T, jobs ...*models.BuildJob) ([]*RunnableJob, *status.PipelineStatus) {
	t.Helper()
	dir := t.TempDir()
	ps, err := status.NewPipelineStatus("p", dir, jobs, nil)
	if err != nil {
		t.Fatalf("NewPipelineStatus failed: %v", err)
	}
	inputs := newInputCache(filepath.Join(dir, "inputs"), nil)

	runnable := make([]*RunnableJob, len(jobs))
	for i, job := range jobs {
		js, _ := ps.Job(job.ID())
		runnable[i] = &RunnableJob{job: job, status: js, pipeline: ps, inputs: inputs}
	}
	return runnable, ps
}

// pipeOpener serves every opened connection with runner
func pipeOpener(runner *protocol.Runner) transport.Opener {
	return transport.OpenerFunc(func(ctx context.Context) (transport.Conn, error) {
		serverSide, agentSide := transport.Pipe()
		go runner.Serve(context.Background(), agentSide)
		return serverSide, nil
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type gatedBuilds struct {
	active atomic.Int32
	gates  map[string]chan struct{}
}

func newGatedBuilds(ids ...string) *gatedBuilds {
	g := &gatedBuilds{gates: make(map[string]chan struct{})}
	for _, id := range ids {
		g.gates[id+".build"] = make(chan struct{})
	}
	return g
}

func (g *gatedBuilds) Execute(ctx context.Context, b protocol.Build, out io.Writer) (int, error) {
	g.active.Add(1)
	defer g.active.Add(-1)
	<-g.gates[b.Task.BuildFile]
	return 0, nil
}

func (g *gatedBuilds) open(id string) {
	close(g.gates[id+".build"])
}

func startController(t *testing.T, c *AgentController) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestControllerLimitsConcurrentSessions(t *testing.T) {
	builds := newGatedBuilds("a", "b", "c", "d")
	t.Cleanup(func() {
		for _, id := range []string{"a", "b", "c", "d"} {
			select {
			case <-builds.gates[id+".build"]:
			default:
				builds.open(id)
			}
		}
	})

	jobs, ps := newRunnable(t, newJob(t, "a"), newJob(t, "b"), newJob(t, "c"), newJob(t, "d"))
	queue := NewJobQueue()
	queue.Add(context.Background(), jobs...)

	cfg := models.AgentConfig{Name: "linux", Key: "k", Workers: 2}
	c := NewAgentController(cfg, pipeOpener(newTestRunner(t, builds)), queue, 10*time.Millisecond)
	startController(t, c)

	eventually(t, "two builds", func() bool { return builds.active.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := builds.active.Load(); n != 2 {
		t.Fatalf("Expected 2 concurrent builds, got %d", n)
	}
	if queue.Len() != 2 {
		t.Errorf("Expected 2 queued jobs, got %d", queue.Len())
	}
	if sessions := c.Sessions(); len(sessions) != 2 {
		t.Errorf("Expected 2 sessions, got %+v", sessions)
	}
	if c.RunningJobs() != 2 {
		t.Errorf("Expected 2 reserved slots, got %d", c.RunningJobs())
	}

	if err := c.UpdateConfig(3); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	eventually(t, "third build", func() bool { return builds.active.Load() == 3 })

	for _, id := range []string{"a", "b", "c", "d"} {
		builds.open(id)
	}
	if state := waitPipeline(t, ps); state != models.PipelineStateSuccessful {
		t.Errorf("Expected successful pipeline, got %s (output: %v)", state, ps.Output())
	}
}

func TestControllerReducedWorkersDrain(t *testing.T) {
	builds := newGatedBuilds("a", "b", "c")

	jobs, ps := newRunnable(t, newJob(t, "a"), newJob(t, "b"), newJob(t, "c"))
	queue := NewJobQueue()
	queue.Add(context.Background(), jobs...)

	cfg := models.AgentConfig{Name: "linux", Key: "k", Workers: 2}
	c := NewAgentController(cfg, pipeOpener(newTestRunner(t, builds)), queue, 10*time.Millisecond)
	startController(t, c)

	eventually(t, "two builds", func() bool { return builds.active.Load() == 2 })
	if err := c.UpdateConfig(1); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	// The running sessions are not interrupted
	builds.open("a")
	c1, _ := ps.Job("c")
	time.Sleep(100 * time.Millisecond)
	if c1.State() != models.JobStatePending {
		t.Fatalf("Expected c to wait while the agent is over its limit, got %s", c1.State())
	}

	builds.open("b")
	eventually(t, "c to start", func() bool { return c1.State() != models.JobStatePending })
	builds.open("c")

	if state := waitPipeline(t, ps); state != models.PipelineStateSuccessful {
		t.Errorf("Expected successful pipeline, got %s (output: %v)", state, ps.Output())
	}
}

func TestControllerReducedWorkersDropsPendingDispatch(t *testing.T) {
	builds := newGatedBuilds("a", "b")

	jobs, ps := newRunnable(t, newJob(t, "a"), newJob(t, "b"))
	queue := NewJobQueue()
	queue.Add(context.Background(), jobs[0])

	cfg := models.AgentConfig{Name: "linux", Key: "k", Workers: 2}
	c := NewAgentController(cfg, pipeOpener(newTestRunner(t, builds)), queue, 10*time.Millisecond)
	startController(t, c)

	// a runs and a second slot is reserved, waiting for a job
	eventually(t, "build a", func() bool { return builds.active.Load() == 1 })
	eventually(t, "pending dispatch", func() bool { return c.RunningJobs() == 2 })

	if err := c.UpdateConfig(1); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	queue.Add(context.Background(), jobs[1])

	b, _ := ps.Job("b")
	time.Sleep(100 * time.Millisecond)
	if b.State() != models.JobStatePending {
		t.Fatalf("Expected b to wait while a holds the only slot, got %s", b.State())
	}
	if n := builds.active.Load(); n != 1 {
		t.Errorf("Expected 1 build, got %d", n)
	}
	if sessions := c.Sessions(); len(sessions) != 1 {
		t.Errorf("Expected 1 session, got %+v", sessions)
	}

	builds.open("a")
	eventually(t, "b to start", func() bool { return b.State() != models.JobStatePending })
	builds.open("b")

	if state := waitPipeline(t, ps); state != models.PipelineStateSuccessful {
		t.Errorf("Expected successful pipeline, got %s (output: %v)", state, ps.Output())
	}
}

// stallingConn answers the first message through the wrapped runner and swallows every
// later one without replying
type stallingConn struct {
	transport.Conn
	reads   int
	stalled func()
}

func (c *stallingConn) Read() ([]byte, error) {
	if c.reads == 0 {
		c.reads++
		return c.Conn.Read()
	}
	c.stalled()
	for {
		if _, err := c.Conn.Read(); err != nil {
			return nil, err
		}
	}
}

func TestControllerUnresponsiveAgentDoesNotBlockOthers(t *testing.T) {
	jobs, ps := newRunnable(t, newJob(t, "a"))
	queue := NewJobQueue()

	runner := newTestRunner(t, buildFunc(func(ctx context.Context, b protocol.Build, out io.Writer) (int, error) {
		return 0, nil
	}))

	stalled := make(chan struct{})
	var once sync.Once
	silent := transport.OpenerFunc(func(ctx context.Context) (transport.Conn, error) {
		serverSide, agentSide := transport.Pipe()
		conn := &stallingConn{Conn: agentSide, stalled: func() { once.Do(func() { close(stalled) }) }}
		go runner.Serve(context.Background(), conn)
		return serverSide, nil
	})

	stuck := NewAgentController(models.AgentConfig{Name: "silent", Key: "k", Workers: 1}, silent, queue, time.Minute)
	stuck.queryTimeout = 200 * time.Millisecond
	startController(t, stuck)

	// Let the silent agent take the queue and stop answering mid-query
	eventually(t, "pending dispatch", func() bool { return stuck.RunningJobs() == 1 })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := queue.Add(ctx, jobs...); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	<-stalled

	healthy := NewAgentController(models.AgentConfig{Name: "healthy", Key: "k", Workers: 1}, pipeOpener(runner), queue, 10*time.Millisecond)
	startController(t, healthy)

	if state := waitPipeline(t, ps); state != models.PipelineStateSuccessful {
		t.Fatalf("Expected successful pipeline, got %s (output: %v)", state, ps.Output())
	}
	a, _ := ps.Job("a")
	if a.Agent() != "healthy" {
		t.Errorf("Expected a to run on healthy, got %q", a.Agent())
	}
}

func TestControllerRetriesFailedOpen(t *testing.T) {
	jobs, ps := newRunnable(t, newJob(t, "a"))
	queue := NewJobQueue()
	queue.Add(context.Background(), jobs...)

	runner := newTestRunner(t, buildFunc(func(ctx context.Context, b protocol.Build, out io.Writer) (int, error) {
		return 0, nil
	}))
	var attempts atomic.Int32
	opener := transport.OpenerFunc(func(ctx context.Context) (transport.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, io.ErrUnexpectedEOF
		}
		return pipeOpener(runner).Open(ctx)
	})

	c := NewAgentController(models.AgentConfig{Name: "flaky", Key: "k", Workers: 1}, opener, queue, 10*time.Millisecond)
	startController(t, c)

	if state := waitPipeline(t, ps); state != models.PipelineStateSuccessful {
		t.Errorf("Expected successful pipeline, got %s", state)
	}
	if attempts.Load() < 3 {
		t.Errorf("Expected at least 3 open attempts, got %d", attempts.Load())
	}
}

func TestControllerUpdateConfigValidates(t *testing.T) {
	c := NewAgentController(models.AgentConfig{Name: "linux", Key: "k", Workers: 1}, pipeOpener(nil), NewJobQueue(), 0)
	if err := c.UpdateConfig(0); err == nil {
		t.Error("Expected 0 workers to be rejected")
	}
	if c.Workers() != 1 {
		t.Errorf("Expected workers unchanged, got %d", c.Workers())
	}
}
