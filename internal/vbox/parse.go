package vbox

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
)

// machineLinePattern matches the controller's machine listing format:
//
//	"Sailfish OS Build Engine" {5bd51fcc-5769-4b5b-b4ra-1c281b13a84b}
var machineLinePattern = regexp.MustCompile(`^"(.+)" \{([^}]+)\}$`)

// ParseMachineList parses the output of the controller's machine listing
// commands. Lines that do not match the listing format are skipped.
func ParseMachineList(output string) []MachineInfo {
	var machines []MachineInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		match := machineLinePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		machines = append(machines, MachineInfo{Name: match[1], ID: match[2]})
	}
	return machines
}

// ParseInfo parses the controller's machine-readable introspection output
// into a key/value map. Values and keys are unquoted where quoted.
func ParseInfo(output string) map[string]string {
	info := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		info[unquote(key)] = unquote(value)
	}
	return info
}

// SharedFolderPath returns the host path of the shared folder with the given
// tag from an introspection map, or false when the machine has no such
// shared folder.
func SharedFolderPath(info map[string]string, tag string) (string, bool) {
	for index := 1; ; index++ {
		name, ok := info[fmt.Sprintf("SharedFolderNameMachineMapping%d", index)]
		if !ok {
			return "", false
		}
		if name != tag {
			continue
		}
		path, ok := info[fmt.Sprintf("SharedFolderPathMachineMapping%d", index)]
		if !ok || path == "" {
			return "", false
		}
		return path, true
	}
}

func unquote(value string) string {
	value = strings.TrimSpace(value)
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		return value[1 : len(value)-1]
	}
	return value
}
