package helpers

import "strings"

// MaskSensitive redacts credentials from a command line before it is
// logged. command is the already-parsed verb; for PASS everything after
// the verb is hidden, for LOGIN and AUTHENTICATE everything after the
// first argument.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	sensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			sensitive = true
			break
		}
	}
	if !sensitive {
		return line
	}

	parts := strings.Fields(line)
	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		return line
	}

	keep := cmdIndex + 2
	if strings.EqualFold(command, "PASS") {
		keep = cmdIndex + 1
	}
	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}
	return line
}
