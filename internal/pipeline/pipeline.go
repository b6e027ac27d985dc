// Package pipeline loads pipeline definitions from YAML.
//
// A definition lists jobs; each input names exactly one source:
//
//	jobs:
//	  - id: lib
//	    task:
//	      build_file: build.yaml
//	    inputs:
//	      - path: src
//	        git: {url: https://example.com/lib.git, branch: main}
//	  - id: app
//	    task:
//	      build_file: build.yaml
//	      platform: {os: linux}
//	    inputs:
//	      - path: deps/lib.a
//	        artifact: {job: lib, path: lib.a}
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

// Definition is the YAML document
type Definition struct {
	Jobs []JobDefinition `yaml:"jobs"`
}

// JobDefinition is one job entry
type JobDefinition struct {
	ID     string            `yaml:"id"`
	Task   models.BuildTask  `yaml:"task"`
	Inputs []InputDefinition `yaml:"inputs"`
}

// InputDefinition is one input entry; exactly one of Git, HTTP and Artifact must be set
type InputDefinition struct {
	Path     string                 `yaml:"path"`
	Git      *models.GitSource      `yaml:"git,omitempty"`
	HTTP     *models.HTTPSource     `yaml:"http,omitempty"`
	Artifact *models.ArtifactSource `yaml:"artifact,omitempty"`
}

func (d InputDefinition) source() (models.InputSource, error) {
	var sources []models.InputSource
	if d.Git != nil {
		sources = append(sources, *d.Git)
	}
	if d.HTTP != nil {
		sources = append(sources, *d.HTTP)
	}
	if d.Artifact != nil {
		sources = append(sources, *d.Artifact)
	}
	if len(sources) != 1 {
		return nil, fmt.Errorf("input %q must have exactly one of git, http or artifact, got %d", d.Path, len(sources))
	}
	return sources[0], nil
}

// Parse decodes a pipeline definition and builds its jobs. It does not check for
// cycles, duplicate ids or dangling artifact references; that happens when the
// jobs are submitted.
func Parse(r io.Reader) ([]*models.BuildJob, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var def Definition
	if err := decoder.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}

	jobs := make([]*models.BuildJob, 0, len(def.Jobs))
	for i, jd := range def.Jobs {
		inputs := make([]models.BuildInput, 0, len(jd.Inputs))
		for _, in := range jd.Inputs {
			source, err := in.source()
			if err != nil {
				return nil, fmt.Errorf("job %d (%s): %w", i, jd.ID, err)
			}
			inputs = append(inputs, models.BuildInput{Source: source, Path: in.Path})
		}

		job, err := models.NewBuildJob(jd.ID, jd.Task, inputs...)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// ParseBytes is Parse over an in-memory document
func ParseBytes(data []byte) ([]*models.BuildJob, error) {
	return Parse(bytes.NewReader(data))
}

// Load reads and parses a pipeline definition file
func Load(path string) ([]*models.BuildJob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipeline: %w", err)
	}
	defer f.Close()

	return Parse(f)
}
