package models

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

var jobIDPattern = regexp.MustCompile(`^[a-z0-9\-_]+$`)

// SdkRequirement names an SDK a build task needs installed on the agent
type SdkRequirement struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

func (s SdkRequirement) String() string {
	return s.Name + "@" + s.Version
}

// BuildTask is the serializable description of a build sent to an agent
type BuildTask struct {
	Platform  Platform          `json:"platform" yaml:"platform"`
	BuildFile string            `json:"build_file" yaml:"build_file"`
	Arguments map[string]string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Sdks      []SdkRequirement  `json:"sdks,omitempty" yaml:"sdks,omitempty"`
	Replay    bool              `json:"replay,omitempty" yaml:"replay,omitempty"`
}

// Clone returns a deep copy of the task
func (t BuildTask) Clone() BuildTask {
	t.Arguments = maps.Clone(t.Arguments)
	t.Sdks = slices.Clone(t.Sdks)
	return t
}

// BuildJob is a build task plus its named inputs. It is immutable once constructed.
type BuildJob struct {
	id     string
	task   BuildTask
	inputs []BuildInput
}

// NewBuildJob validates the job id and input destinations and returns an immutable job
func NewBuildJob(id string, task BuildTask, inputs ...BuildInput) (*BuildJob, error) {
	if !jobIDPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid job id %q: must match %s", id, jobIDPattern)
	}
	if task.BuildFile == "" {
		return nil, fmt.Errorf("job %s: build file is required", id)
	}
	if !IsValidSubPath(task.BuildFile) {
		return nil, fmt.Errorf("job %s: invalid build file path %q", id, task.BuildFile)
	}

	for i, input := range inputs {
		if input.Source == nil {
			return nil, fmt.Errorf("job %s: input %d has no source", id, i)
		}
		if !IsValidSubPath(input.Path) {
			return nil, fmt.Errorf("job %s: invalid input path %q", id, input.Path)
		}
	}

	return &BuildJob{
		id:     id,
		task:   task.Clone(),
		inputs: slices.Clone(inputs),
	}, nil
}

// ID returns the job id, unique within one pipeline submission
func (j *BuildJob) ID() string {
	return j.id
}

// Task returns a copy of the job's build task
func (j *BuildJob) Task() BuildTask {
	return j.task.Clone()
}

// Inputs returns a copy of the job's ordered inputs
func (j *BuildJob) Inputs() []BuildInput {
	return slices.Clone(j.inputs)
}

// Dependencies returns the ids of the jobs this job consumes artifacts from, in input order
func (j *BuildJob) Dependencies() []string {
	var deps []string
	for _, input := range j.inputs {
		if artifact, ok := input.Source.(ArtifactSource); ok {
			deps = append(deps, artifact.Job)
		}
	}
	return deps
}

// IsValidSubPath reports whether path is a non-empty relative path that cannot escape
// the directory it is joined to.
func IsValidSubPath(path string) bool {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) {
		return false
	}
	if hasDriveRoot(path) {
		return false
	}
	named := false
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		switch seg {
		case "..":
			return false
		case ".":
		default:
			named = true
		}
	}
	return named
}

// hasDriveRoot reports whether path starts with a Windows drive such as "C:" or "C:\".
// Names like "a:b" are ordinary file names.
func hasDriveRoot(path string) bool {
	if len(path) < 2 || path[1] != ':' {
		return false
	}
	letter := path[0] | 0x20
	if letter < 'a' || letter > 'z' {
		return false
	}
	return len(path) == 2 || path[2] == '/' || path[2] == '\\'
}
