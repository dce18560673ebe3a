package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Allowlist validates shell commands in safe mode.
type Allowlist struct {
	// Commands are the permitted binaries, matched against the
	// basename-normalized first token of the command string.
	Commands []string
}

// firstToken returns the first whitespace-delimited token of command.
func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Check validates the command's binary against the allowlist. The error
// lists the allowed commands so a rejected caller can adjust.
func (a Allowlist) Check(command string) error {
	token := firstToken(command)
	if token == "" {
		return fmt.Errorf("command is empty")
	}
	// "/usr/bin/git" and "git" are the same binary for policy purposes.
	name := filepath.Base(token)
	for _, allowed := range a.Commands {
		if name == allowed {
			return nil
		}
	}
	return fmt.Errorf("command %q is not allowed; permitted commands: %s",
		name, strings.Join(a.Commands, ", "))
}

// CheckContinuityReference rejects shell commands whose text mentions a
// continuity filename. Continuity files must be edited through the
// filesystem tools, which perform validated writes; a shell redirect
// would bypass that.
func CheckContinuityReference(command string, continuityFiles []string) error {
	lowered := strings.ToLower(command)
	for _, name := range continuityFiles {
		if strings.Contains(lowered, strings.ToLower(name)) {
			return fmt.Errorf("command references continuity file %s; use the file tools to modify it", name)
		}
	}
	return nil
}
