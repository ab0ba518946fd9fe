package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Agent output is parsed via marker-delimited sections so a chatty model
// cannot corrupt artifact extraction.
//
//	--- BEGIN plan.md ---
//	...content...
//	--- END plan.md ---

// ExtractSection returns the content between BEGIN/END markers for name.
func ExtractSection(output, name string) (string, bool) {
	begin := fmt.Sprintf("--- BEGIN %s ---", name)
	end := fmt.Sprintf("--- END %s ---", name)

	i := strings.Index(output, begin)
	if i < 0 {
		return "", false
	}
	rest := output[i+len(begin):]
	j := strings.Index(rest, end)
	if j < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:j]), true
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// ExtractJSONSection extracts a JSON artifact by marker, falling back to the
// first fenced code block.
func ExtractJSONSection(output, name string) (string, bool) {
	if s, ok := ExtractSection(output, name); ok {
		return s, true
	}
	if m := fencedJSONRe.FindStringSubmatch(output); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// TaskOutput is the parsed per-task executor response.
type TaskOutput struct {
	Summary      string
	FilesChanged []string
}

// ParseTaskOutput parses the executor's per-task markers:
//
//	--- SUMMARY ---
//	one paragraph
//	--- FILES CHANGED ---
//	path/one.go
//	path/two.go
//	--- END ---
func ParseTaskOutput(output string) (*TaskOutput, error) {
	sumIdx := strings.Index(output, "--- SUMMARY ---")
	filesIdx := strings.Index(output, "--- FILES CHANGED ---")
	endIdx := strings.Index(output, "--- END ---")
	if sumIdx < 0 || filesIdx < 0 || endIdx < 0 || !(sumIdx < filesIdx && filesIdx < endIdx) {
		return nil, fmt.Errorf("task output missing SUMMARY/FILES CHANGED/END markers")
	}

	summary := strings.TrimSpace(output[sumIdx+len("--- SUMMARY ---") : filesIdx])
	filesBlock := output[filesIdx+len("--- FILES CHANGED ---") : endIdx]

	var files []string
	for _, line := range strings.Split(filesBlock, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "(none)" {
			continue
		}
		files = append(files, line)
	}
	return &TaskOutput{Summary: summary, FilesChanged: files}, nil
}
