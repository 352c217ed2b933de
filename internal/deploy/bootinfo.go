package deploy

import (
	"os"
	"strings"
)

const procCmdline = "/proc/cmdline"

// BootedCommit extracts the tree identity of the running root from the
// kernel command line; empty when the machine was not booted from a
// deployment managed here.
func BootedCommit() (string, error) {
	data, err := os.ReadFile(procCmdline)
	if err != nil {
		return "", err
	}
	return ParseBootedCommit(string(data)), nil
}

func ParseBootedCommit(cmdline string) string {
	for _, arg := range strings.Fields(cmdline) {
		if v, ok := strings.CutPrefix(arg, CommitKarg+"="); ok {
			return v
		}
	}
	return ""
}
