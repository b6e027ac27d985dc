package models

import (
	"testing"
)

func TestNewBuildJobValidatesID(t *testing.T) {
	task := BuildTask{BuildFile: "build.yaml"}

	valid := []string{"a", "job-1", "my_job", "0"}
	for _, id := range valid {
		if _, err := NewBuildJob(id, task); err != nil {
			t.Errorf("NewBuildJob(%q) returned error: %v", id, err)
		}
	}

	invalid := []string{"", "Job", "a b", "a/b", "job.1"}
	for _, id := range invalid {
		if _, err := NewBuildJob(id, task); err == nil {
			t.Errorf("NewBuildJob(%q) expected error", id)
		}
	}
}

func TestNewBuildJobRejectsBadInputs(t *testing.T) {
	task := BuildTask{BuildFile: "build.yaml"}

	if _, err := NewBuildJob("a", task, BuildInput{Path: "src"}); err == nil {
		t.Error("expected error for input without source")
	}
	if _, err := NewBuildJob("a", task, BuildInput{Source: GitSource{URL: "x"}, Path: "../src"}); err == nil {
		t.Error("expected error for escaping input path")
	}
	if _, err := NewBuildJob("a", BuildTask{}); err == nil {
		t.Error("expected error for missing build file")
	}
}

func TestBuildJobIsImmutable(t *testing.T) {
	args := map[string]string{"k": "v"}
	inputs := []BuildInput{{Source: ArtifactSource{Job: "b", Path: "out.bin"}, Path: "in.bin"}}

	job, err := NewBuildJob("a", BuildTask{BuildFile: "build.yaml", Arguments: args}, inputs...)
	if err != nil {
		t.Fatalf("NewBuildJob failed: %v", err)
	}

	args["k"] = "changed"
	inputs[0].Path = "changed"

	if got := job.Task().Arguments["k"]; got != "v" {
		t.Errorf("task arguments changed through caller map: %q", got)
	}
	if got := job.Inputs()[0].Path; got != "in.bin" {
		t.Errorf("inputs changed through caller slice: %q", got)
	}

	task := job.Task()
	task.Arguments["k"] = "again"
	if got := job.Task().Arguments["k"]; got != "v" {
		t.Errorf("task arguments changed through returned copy: %q", got)
	}

	deps := job.Dependencies()
	if len(deps) != 1 || deps[0] != "b" {
		t.Errorf("Dependencies() = %v, want [b]", deps)
	}
}

func TestIsValidSubPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"out.bin", true},
		{"dir/out.bin", true},
		{"./out.bin", true},
		{"", false},
		{".", false},
		{"/etc/passwd", false},
		{`\windows`, false},
		{"C:/x", false},
		{`c:\x`, false},
		{"C:", false},
		{"a:b", true},
		{"dir/a:b", true},
		{"1:x", true},
		{"../x", false},
		{"a/../../x", false},
		{`a\..\x`, false},
	}

	for _, tt := range tests {
		if got := IsValidSubPath(tt.path); got != tt.want {
			t.Errorf("IsValidSubPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestPlatformSupportsRunning(t *testing.T) {
	agent := Platform{OS: "linux", Arch: "amd64"}

	tests := []struct {
		task Platform
		want bool
	}{
		{Platform{}, true},
		{Platform{OS: "linux"}, true},
		{Platform{OS: "linux", Arch: "amd64"}, true},
		{Platform{OS: "windows"}, false},
		{Platform{OS: "linux", Arch: "arm64"}, false},
	}

	for _, tt := range tests {
		if got := agent.SupportsRunning(tt.task); got != tt.want {
			t.Errorf("SupportsRunning(%v) = %v, want %v", tt.task, got, tt.want)
		}
	}
}

func TestAgentConfigValidate(t *testing.T) {
	cfg := AgentConfig{Name: "a1", Key: "secret", Workers: 2}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	for _, workers := range []int{0, -1, MaxWorkers + 1} {
		cfg.Workers = workers
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for %d workers", workers)
		}
	}

	cfg.Workers = MaxWorkers
	cfg.Connection = AgentConnection{Host: "agent.local"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for dial-out agent without port")
	}
}
