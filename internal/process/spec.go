package process

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/loykin/keepalive/internal/logger"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Spec describes a managed child process.
type Spec struct {
	Name     string            `json:"name" mapstructure:"name"`
	Command  string            `json:"command" mapstructure:"command"`   // executable and arguments; a shell is used only for metacharacters
	WorkDir  string            `json:"work_dir" mapstructure:"work_dir"` // optional working dir
	Env      []string          `json:"env" mapstructure:"env"`           // optional extra env
	PIDFile  string            `json:"pid_file" mapstructure:"pid_file"` // optional pid file recording identity for adoption
	Detached bool              `json:"detached" mapstructure:"detached"` // new session and plain log files so the child may outlive the supervisor
	Log      logger.FileConfig `json:"log" mapstructure:"log"`
}

// Validate checks the fields required to spawn the process.
func (s Spec) Validate() error {
	if !namePattern.MatchString(s.Name) {
		return fmt.Errorf("invalid process name %q", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("command is required for process " + s.Name)
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for s.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204 -- command line comes from operator configuration
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// One pair of surrounding quotes is stripped from the script.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
