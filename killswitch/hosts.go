package killswitch

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/yllada/vpnctl/common"
)

// hostsMarker tags every line written by the killswitch.
var hostsMarker = "#" + common.AppName + " do not modify"

// DefaultHostsPath returns the platform hosts file.
func DefaultHostsPath() string {
	if runtime.GOOS == "windows" {
		root := os.Getenv("SystemRoot")
		if root == "" {
			root = `C:\Windows`
		}
		return root + `\System32\drivers\etc\hosts`
	}
	return "/etc/hosts"
}

// HostsFile edits only the lines it tagged, leaving everything else in
// place. Writes go to the file itself so other tools watching it keep
// their handle.
type HostsFile struct {
	path string
}

// NewHostsFile edits the hosts file at path.
func NewHostsFile(path string) *HostsFile {
	return &HostsFile{path: path}
}

// Path returns the file path.
func (h *HostsFile) Path() string { return h.path }

// Pin replaces any tagged lines with entries.
func (h *HostsFile) Pin(entries []HostEntry) error {
	content, perm, err := h.read()
	if err != nil {
		return err
	}
	lines, trailing := stripTagged(content)
	for _, e := range entries {
		if e.Hostname == "" || e.IP == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", e.IP, e.Hostname, hostsMarker))
	}
	return h.write(lines, trailing, content, perm)
}

// Unpin removes every tagged line.
func (h *HostsFile) Unpin() error {
	content, perm, err := h.read()
	if err != nil {
		return err
	}
	lines, trailing := stripTagged(content)
	return h.write(lines, trailing, content, perm)
}

// Pinned returns the entries currently tagged in the file.
func (h *HostsFile) Pinned() ([]HostEntry, error) {
	content, _, err := h.read()
	if err != nil {
		return nil, err
	}
	var out []HostEntry
	lines, _ := splitLines(content)
	for _, line := range lines {
		if !isTagged(line) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			out = append(out, HostEntry{IP: fields[0], Hostname: fields[1]})
		}
	}
	return out, nil
}

func (h *HostsFile) read() (string, os.FileMode, error) {
	info, err := os.Stat(h.path)
	if err != nil {
		return "", 0, fmt.Errorf("hosts file: %w", err)
	}
	data, err := os.ReadFile(h.path)
	if err != nil {
		return "", 0, fmt.Errorf("hosts file: %w", err)
	}
	return string(data), info.Mode().Perm(), nil
}

// write joins lines with the original line ending and appends trailing
// blank lines.
func (h *HostsFile) write(lines []string, trailing int, original string, perm os.FileMode) error {
	eol := "\n"
	if strings.Contains(original, "\r\n") {
		eol = "\r\n"
	}
	out := strings.Join(lines, eol)
	if len(lines) > 0 {
		out += eol
	}
	out += strings.Repeat(eol, trailing)
	if out == original {
		return nil
	}
	if err := os.WriteFile(h.path, []byte(out), perm); err != nil {
		return fmt.Errorf("hosts file: %w", err)
	}
	return nil
}

func isTagged(line string) bool {
	return strings.HasSuffix(strings.TrimRight(line, " \t\r"), hostsMarker)
}

// splitLines returns the lines up to the last non-empty one and the number
// of blank lines after it.
func splitLines(content string) ([]string, int) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	body := strings.TrimRight(content, "\n")
	trailing := len(content) - len(body)
	if body == "" {
		return nil, trailing
	}
	if trailing > 0 {
		// One newline terminates the last line.
		trailing--
	}
	return strings.Split(body, "\n"), trailing
}

func stripTagged(content string) ([]string, int) {
	lines, trailing := splitLines(content)
	var out []string
	for _, line := range lines {
		if !isTagged(line) {
			out = append(out, line)
		}
	}
	return out, trailing
}
