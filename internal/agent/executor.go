package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/sharma-sourabh3435/buildfarm/internal/protocol"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

// CommandExecutor runs builds with an external build tool
type CommandExecutor struct {
	tool   string
	logger *utils.Logger
}

// NewCommandExecutor creates an executor invoking tool
func NewCommandExecutor(tool string, logger *utils.Logger) *CommandExecutor {
	return &CommandExecutor{
		tool:   tool,
		logger: logger,
	}
}

// Args returns the build tool arguments for build
func (e *CommandExecutor) Args(build protocol.Build) []string {
	args := []string{
		"build",
		"--file", filepath.Join(build.Dirs.Workspace, filepath.FromSlash(build.Task.BuildFile)),
		"--workspace", build.Dirs.Workspace,
		"--artifacts", build.Dirs.Artifacts,
	}
	if build.Task.Replay {
		args = append(args, "--replay", build.Dirs.ReplayFile)
	}

	for _, name := range sortedKeys(build.SdkDirs) {
		args = append(args, "--sdk", name+"="+build.SdkDirs[name])
	}
	for _, key := range sortedKeys(build.Task.Arguments) {
		args = append(args, "--arg", key+"="+build.Task.Arguments[key])
	}
	return args
}

// Execute runs the build tool in the workspace with stdout and stderr combined into output
func (e *CommandExecutor) Execute(ctx context.Context, build protocol.Build, output io.Writer) (int, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, e.tool, e.Args(build)...)
	cmd.Dir = build.Dirs.Workspace
	cmd.Stdout = output
	cmd.Stderr = output

	e.logger.Debug("Executing %s %v", e.tool, cmd.Args[1:])

	err := cmd.Run()
	duration := time.Since(start)

	// Get exit code
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			e.logger.Info("Build %s exited with code %d after %v", build.Task.BuildFile, exitErr.ExitCode(), duration)
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("failed to run %s: %w", e.tool, err)
	}

	e.logger.Debug("Build %s completed successfully in %v", build.Task.BuildFile, duration)
	return 0, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
