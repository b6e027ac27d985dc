package models

import (
	"fmt"
	"runtime"
)

// Platform identifies an operating system and architecture. An empty field matches anything.
type Platform struct {
	OS   string `json:"os,omitempty" yaml:"os,omitempty" cbor:"os,omitempty"`
	Arch string `json:"arch,omitempty" yaml:"arch,omitempty" cbor:"arch,omitempty"`
}

// CurrentPlatform returns the platform of the running process
func CurrentPlatform() Platform {
	return Platform{OS: runtime.GOOS, Arch: runtime.GOARCH}
}

// SupportsRunning reports whether a host on platform p can execute a task targeting exec
func (p Platform) SupportsRunning(exec Platform) bool {
	return (exec.OS == "" || exec.OS == p.OS) &&
		(exec.Arch == "" || exec.Arch == p.Arch)
}

func (p Platform) String() string {
	os, arch := p.OS, p.Arch
	if os == "" {
		os = "any"
	}
	if arch == "" {
		arch = "any"
	}
	return fmt.Sprintf("%s/%s", os, arch)
}
