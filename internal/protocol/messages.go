// Package protocol implements the build execution session between a dispatcher (server side,
// owns the job) and a runner (agent side, executes it).
//
// A session carries one job over one transport connection:
//
//	dispatcher                          runner
//	PlatformSupportRequest  ------>
//	                        <------     PlatformSupportResponse   (repeated any number of times)
//	TaskDispatch            ------>
//	WorkspaceChunk...       ------>
//	WorkspaceEnd            ------>
//	                        <------     BuildOutputChunk...
//	                        <------     JobFinished
//	ArtifactRequest         ------>                               (only after exit code 0)
//	                        <------     ArtifactDataChunk...
//	                        <------     ArtifactEnd
//
// The workspace is a zstd-compressed tar stream. Each message is one CBOR value in one
// transport frame.
package protocol

import (
	"fmt"

	"github.com/sharma-sourabh3435/buildfarm/internal/models"
)

// ChunkSize is the largest data payload carried by one message
const ChunkSize = 32 << 10

// Kind identifies a protocol message
type Kind uint8

// Message kinds
const (
	KindPlatformSupportRequest Kind = iota + 1
	KindPlatformSupportResponse
	KindTaskDispatch
	KindWorkspaceChunk
	KindWorkspaceEnd
	KindBuildOutputChunk
	KindJobFinished
	KindArtifactRequest
	KindArtifactDataChunk
	KindArtifactEnd
)

var kindNames = map[Kind]string{
	KindPlatformSupportRequest:  "PlatformSupportRequest",
	KindPlatformSupportResponse: "PlatformSupportResponse",
	KindTaskDispatch:            "TaskDispatch",
	KindWorkspaceChunk:          "WorkspaceChunk",
	KindWorkspaceEnd:            "WorkspaceEnd",
	KindBuildOutputChunk:        "BuildOutputChunk",
	KindJobFinished:             "JobFinished",
	KindArtifactRequest:         "ArtifactRequest",
	KindArtifactDataChunk:       "ArtifactDataChunk",
	KindArtifactEnd:             "ArtifactEnd",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is the single wire envelope. Only the fields relevant to Kind are set.
type Message struct {
	Kind Kind `cbor:"1,keyasint"`

	// PlatformSupportRequest / PlatformSupportResponse
	Platform  *models.Platform `cbor:"2,keyasint,omitempty"`
	Supported bool             `cbor:"3,keyasint,omitempty"`

	// TaskDispatch
	Task *models.BuildTask `cbor:"4,keyasint,omitempty"`

	// WorkspaceChunk, BuildOutputChunk, ArtifactDataChunk
	Data []byte `cbor:"5,keyasint,omitempty"`

	// JobFinished
	ExitCode  int      `cbor:"6,keyasint,omitempty"`
	Artifacts []string `cbor:"7,keyasint,omitempty"`

	// ArtifactRequest: either the replay archive or a named artifact
	Replay bool   `cbor:"8,keyasint,omitempty"`
	Name   string `cbor:"9,keyasint,omitempty"`

	// ArtifactEnd
	HasError bool `cbor:"10,keyasint,omitempty"`
}
