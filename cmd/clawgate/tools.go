package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clawgate/clawgate/internal/sandbox"
	"github.com/clawgate/clawgate/pkg/models"
)

const pathOnlySchema = `{
	"type": "object",
	"required": ["path"],
	"properties": {"path": {"type": "string", "minLength": 1}}
}`

const writeFileSchema = `{
	"type": "object",
	"required": ["path", "content"],
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"content": {"type": "string"}
	}
}`

const runCommandSchema = `{
	"type": "object",
	"required": ["command"],
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"workdir": {"type": "string"}
	}
}`

// registerBuiltinTools wires the local filesystem and shell tools into
// the registry. The sandbox has already resolved and vetted the path by
// the time a handler runs, in every mode.
func registerBuiltinTools(registry *sandbox.Registry, workspaceRoot string) error {
	specs := []*sandbox.ToolSpec{
		{
			Name:    "list_directory",
			Kind:    sandbox.KindFilesystem,
			Handler: listDirectory,
		},
		{
			Name:    "read_file",
			Kind:    sandbox.KindFilesystem,
			Handler: readFile,
		},
		{
			Name:                 "write_file",
			Kind:                 sandbox.KindFilesystem,
			RequiresConfirmation: true,
			Handler:              writeFile,
		},
		{
			Name:                 "run_command",
			Kind:                 sandbox.KindShell,
			RequiresConfirmation: true,
			Handler:              runCommand(workspaceRoot),
		},
	}
	schemas := map[string]string{
		"list_directory": pathOnlySchema,
		"read_file":      pathOnlySchema,
		"write_file":     writeFileSchema,
		"run_command":    runCommandSchema,
	}

	for _, spec := range specs {
		schema, err := sandbox.CompileSchema(spec.Name, schemas[spec.Name])
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", spec.Name, err)
		}
		spec.Schema = schema
		if err := registry.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

func listDirectory(ctx context.Context, call *models.ToolCall, env map[string]string) (*models.ToolResult, error) {
	path, _ := call.Arguments["path"].(string)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &models.ToolResult{Success: true, Output: strings.Join(names, "\n")}, nil
}

func readFile(ctx context.Context, call *models.ToolCall, env map[string]string) (*models.ToolResult, error) {
	path, _ := call.Arguments["path"].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return &models.ToolResult{Success: true, Output: string(data)}, nil
}

func writeFile(ctx context.Context, call *models.ToolCall, env map[string]string) (*models.ToolResult, error) {
	path, _ := call.Arguments["path"].(string)
	content, _ := call.Arguments["content"].(string)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	return &models.ToolResult{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
}

// runCommand executes the command via the shell, with the per-call env
// overlay layered on top of the process environment for this child only.
func runCommand(workspaceRoot string) sandbox.Handler {
	return func(ctx context.Context, call *models.ToolCall, env map[string]string) (*models.ToolResult, error) {
		command, _ := call.Arguments["command"].(string)
		workdir, _ := call.Arguments["workdir"].(string)
		if workdir == "" {
			workdir = workspaceRoot
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = workdir
		cmd.Env = os.Environ()
		for key, value := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}

		output, err := cmd.CombinedOutput()
		if err != nil {
			return &models.ToolResult{
				Success: false,
				Output:  string(output),
				Error:   fmt.Sprintf("command failed: %v", err),
			}, nil
		}
		return &models.ToolResult{Success: true, Output: string(output)}, nil
	}
}
