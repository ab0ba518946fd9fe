package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// WorkspaceAnalysis is the planner's snapshot of the target repository.
type WorkspaceAnalysis struct {
	Name        string   `json:"name"`
	ProjectType string   `json:"projectType"` // node, go, rust, python, java, unknown
	Framework   string   `json:"framework,omitempty"`
	TestCommand string   `json:"testCommand"`
	TopLevel    []string `json:"topLevel"`
	HasGit      bool     `json:"hasGit"`
}

// AnalyzeWorkspace inspects the workspace root: package manifest, top-level
// tree and framework heuristics.
func AnalyzeWorkspace(root string) *WorkspaceAnalysis {
	a := &WorkspaceAnalysis{
		Name:        filepath.Base(root),
		ProjectType: "unknown",
		TestCommand: "make test",
	}

	checks := []struct {
		file        string
		projectType string
		testCommand string
	}{
		{"go.mod", "go", "go test ./..."},
		{"package.json", "node", "npm test"},
		{"Cargo.toml", "rust", "cargo test"},
		{"pyproject.toml", "python", "pytest"},
		{"requirements.txt", "python", "pytest"},
		{"pom.xml", "java", "mvn test"},
		{"build.gradle", "java", "gradle test"},
	}
	for _, check := range checks {
		if fileExists(root, check.file) {
			a.ProjectType = check.projectType
			a.TestCommand = check.testCommand
			break
		}
	}

	switch a.ProjectType {
	case "node":
		a.analyzeNodeManifest(filepath.Join(root, "package.json"))
	case "go":
		if data, err := os.ReadFile(filepath.Join(root, "go.mod")); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "module ") {
					a.Name = filepath.Base(strings.TrimSpace(strings.TrimPrefix(line, "module ")))
					break
				}
			}
		}
	}

	if entries, err := os.ReadDir(root); err == nil {
		for _, e := range entries {
			name := e.Name()
			if name == ".git" {
				a.HasGit = true
			}
			if strings.HasPrefix(name, ".") {
				continue
			}
			a.TopLevel = append(a.TopLevel, name)
		}
		sort.Strings(a.TopLevel)
	}
	return a
}

// analyzeNodeManifest reads the package name and sniffs common frameworks.
func (a *WorkspaceAnalysis) analyzeNodeManifest(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var pkg struct {
		Name            string            `json:"name"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return
	}
	if pkg.Name != "" {
		a.Name = pkg.Name
	}
	deps := make(map[string]bool, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for d := range pkg.Dependencies {
		deps[d] = true
	}
	for d := range pkg.DevDependencies {
		deps[d] = true
	}
	switch {
	case deps["next"]:
		a.Framework = "nextjs"
	case deps["react"]:
		a.Framework = "react"
	case deps["express"]:
		a.Framework = "express"
	case deps["fastify"]:
		a.Framework = "fastify"
	case deps["vue"]:
		a.Framework = "vue"
	}
}

func fileExists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}
