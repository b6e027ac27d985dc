package models

// InputSource is where a build input comes from. The set of implementations is closed:
// GitSource, HTTPSource and ArtifactSource.
type InputSource interface {
	sourceKind() string
}

// GitSource is a repository cloned at the head of Branch
type GitSource struct {
	URL    string `json:"url" yaml:"url"`
	Branch string `json:"branch" yaml:"branch"`
}

// HTTPSource is a file downloaded over HTTP. Integrity has the form "<algorithm>:<hex digest>".
type HTTPSource struct {
	URL       string `json:"url" yaml:"url"`
	Integrity string `json:"integrity" yaml:"integrity"`
}

// ArtifactSource is an artifact produced by another job of the same submission
type ArtifactSource struct {
	Job  string `json:"job" yaml:"job"`
	Path string `json:"path" yaml:"path"`
}

func (GitSource) sourceKind() string      { return "git" }
func (HTTPSource) sourceKind() string     { return "http" }
func (ArtifactSource) sourceKind() string { return "artifact" }

// SourceKind returns a short name for the variant of source
func SourceKind(source InputSource) string {
	if source == nil {
		return "none"
	}
	return source.sourceKind()
}

// BuildInput places a source at Path inside the job's workspace
type BuildInput struct {
	Source InputSource
	Path   string
}
