package engine

import (
	"os"
	"os/exec"
	"sort"
	"strings"
)

// shellMeta are the characters that force a command through the shell
// interpreter instead of a plain argv split.
const shellMeta = "|&;<>()$`\\\"'*?[]{}~#\n"

// buildCommand turns the request's command string into an exec.Cmd.
// Commands containing shell metacharacters run via sh -c; everything
// else is argv-split directly.
func buildCommand(command string) *exec.Cmd {
	if strings.ContainsAny(command, shellMeta) {
		return exec.Command("/bin/sh", "-c", command)
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return exec.Command(command)
	}
	return exec.Command(argv[0], argv[1:]...) //nolint:gosec
}

// mergeEnv layers the request environment over the process environment
// and appends the execution id marker variable.
func mergeEnv(overrides map[string]string, executionID string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.Index(kv, "="); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	merged["STEPFLOW_EXECUTION_ID"] = executionID

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
