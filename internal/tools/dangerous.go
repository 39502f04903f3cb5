package tools

import (
	"path/filepath"
	"strings"
)

// Danger reason codes surfaced on approval prompts.
const (
	ReasonDestructiveCommand = "destructive_command"
	ReasonNetworkMutation    = "network_mutation"
	ReasonOutsideWorkspace   = "outside_workspace"
)

// destructiveVerbs are shell commands that modify or destroy state in ways a
// human should sign off on.
var destructiveVerbs = map[string]bool{
	"rm":       true,
	"rmdir":    true,
	"dd":       true,
	"mkfs":     true,
	"shred":    true,
	"truncate": true,
	"shutdown": true,
	"reboot":   true,
	"halt":     true,
	"poweroff": true,
	"kill":     true,
	"killall":  true,
	"pkill":    true,
}

var mutatingHTTPFlags = []string{"-X POST", "-X PUT", "-X DELETE", "-X PATCH", "--data", "-d ", "--form", "--upload-file", "--post-data", "--post-file"}

// ClassifyCommand decides whether a shell command needs human approval.
// Dangerous commands are destructive verbs, network mutations, or absolute
// paths that escape every workspace root.
func ClassifyCommand(command string, workspaceRoots []string) (bool, string) {
	for _, segment := range splitCommandSegments(command) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		verb := fields[0]
		if verb == "sudo" && len(fields) > 1 {
			verb = fields[1]
		}
		verb = filepath.Base(verb)
		if destructiveVerbs[verb] || strings.HasPrefix(verb, "mkfs.") {
			return true, ReasonDestructiveCommand
		}
		if verb == "curl" || verb == "wget" || verb == "http" {
			for _, flag := range mutatingHTTPFlags {
				if strings.Contains(segment, flag) {
					return true, ReasonNetworkMutation
				}
			}
		}
		for _, field := range fields[1:] {
			if path, ok := absoluteArg(field); ok && !withinRoots(path, workspaceRoots) {
				return true, ReasonOutsideWorkspace
			}
		}
	}
	return false, ""
}

// ClassifyPath decides whether a filesystem path escapes the workspace.
func ClassifyPath(path string, workspaceRoots []string) (bool, string) {
	if !filepath.IsAbs(path) {
		return false, ""
	}
	if withinRoots(path, workspaceRoots) {
		return false, ""
	}
	return true, ReasonOutsideWorkspace
}

// splitCommandSegments breaks a shell line at chaining operators so each
// simple command's verb can be inspected.
func splitCommandSegments(command string) []string {
	replaced := command
	for _, sep := range []string{"&&", "||", ";", "|", "\n"} {
		replaced = strings.ReplaceAll(replaced, sep, "\x00")
	}
	return strings.Split(replaced, "\x00")
}

func absoluteArg(field string) (string, bool) {
	field = strings.Trim(field, `"'`)
	if strings.HasPrefix(field, "/") {
		return field, true
	}
	return "", false
}

// withinRoots reports whether path falls under any workspace root. A few
// shared system prefixes are always allowed so ordinary commands (reading
// /tmp, /dev/null, interpreter paths) do not trip the gate.
func withinRoots(path string, roots []string) bool {
	cleaned := filepath.Clean(path)
	for _, allowed := range append([]string{"/tmp", "/dev/null", "/usr", "/bin", "/etc/hosts"}, roots...) {
		if allowed == "" {
			continue
		}
		allowed = filepath.Clean(allowed)
		if cleaned == allowed || strings.HasPrefix(cleaned, allowed+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
