package tools

import (
	"context"

	"github.com/psantana5/agent-guardian/pkg/capability"
)

// Register installs the file and command capabilities backed by ws and runner.
// A nil runner leaves run_command unregistered.
func Register(reg *capability.Registry, ws *Workspace, runner *CommandRunner) {
	capability.Register(reg, capability.ReadFile, "Read a file inside the workspace",
		func(ctx context.Context, in capability.ReadFileInput) (capability.ReadFileOutput, error) {
			content, err := ws.ReadFile(ctx, in.Path)
			return capability.ReadFileOutput{Content: content}, err
		})

	capability.Register(reg, capability.WriteFile, "Write a file inside the workspace",
		func(ctx context.Context, in capability.WriteFileInput) (capability.WriteFileOutput, error) {
			path, err := ws.WriteFile(ctx, in.Path, in.Content)
			return capability.WriteFileOutput{Path: path, Bytes: len(in.Content)}, err
		})

	capability.Register(reg, capability.EditFile, "Replace one exact occurrence of text in a file",
		func(ctx context.Context, in capability.EditFileInput) (capability.EditFileOutput, error) {
			path, err := ws.EditFile(ctx, in.Path, in.OldText, in.NewText)
			return capability.EditFileOutput{Path: path}, err
		})

	capability.Register(reg, capability.SearchFiles, "Search files for a regular expression",
		func(ctx context.Context, in capability.SearchFilesInput) (capability.SearchFilesOutput, error) {
			found, truncated, err := ws.SearchFiles(ctx, in.Root, in.Pattern, in.Glob, in.MaxResults)
			if err != nil {
				return capability.SearchFilesOutput{}, err
			}
			out := capability.SearchFilesOutput{Truncated: truncated}
			for _, m := range found {
				out.Matches = append(out.Matches, capability.SearchMatch{Path: m.Path, Line: m.Line, Text: m.Text})
			}
			return out, nil
		})

	if runner == nil {
		return
	}
	capability.Register(reg, capability.RunCommand, "Run a single command without a shell",
		func(ctx context.Context, in capability.RunCommandInput) (capability.RunCommandOutput, error) {
			res, err := runner.Run(ctx, in.Command, in.Dir)
			if res == nil {
				return capability.RunCommandOutput{}, err
			}
			return capability.RunCommandOutput{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, err
		})
}
