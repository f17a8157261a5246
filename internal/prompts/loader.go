// Package prompts provides a loader for the gateway's prompt templates.
// Prompts are stored as JSON files (key -> template) and embedded at compile time.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

//go:embed *.json
var promptFiles embed.FS

// Prompt files and keys used by the reasoning gateway
const (
	PlanningFile  = "planning.json"
	ResearchFile  = "research.json"
	ReasoningFile = "reasoning.json"
	ReportsFile   = "reports.json"

	KeyPlanInvestigation = "plan-investigation"
	KeyExecuteSubtask    = "execute-subtask"
	KeyGenerateThought   = "generate-thought"
	KeyGenerateReport    = "generate-report"
)

var (
	cache   = make(map[string]map[string]string)
	cacheMu sync.RWMutex

	placeholder = regexp.MustCompile(`\{\{\.([A-Za-z0-9_]+)\}\}`)
)

// Get retrieves a prompt by filename and key
func Get(filename, key string) (string, error) {
	prompts, err := loadFile(filename)
	if err != nil {
		return "", err
	}

	prompt, exists := prompts[key]
	if !exists {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}

	return prompt, nil
}

// MustGet retrieves a prompt by filename and key, panicking if not found
func MustGet(filename, key string) string {
	prompt, err := Get(filename, key)
	if err != nil {
		panic(fmt.Sprintf("failed to load prompt: %v", err))
	}
	return prompt
}

// Format replaces {{.Key}} placeholders with values from data.
// Placeholders without a value are left in place.
func Format(template string, data map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := data[key]; ok {
			return v
		}
		return m
	})
}

// Render loads a prompt and fills it, failing if any placeholder has no value
func Render(filename, key string, data map[string]string) (string, error) {
	template, err := Get(filename, key)
	if err != nil {
		return "", err
	}
	if missing := Placeholders(template, data); len(missing) > 0 {
		return "", fmt.Errorf("prompt %s/%s missing values for %s", filename, key, strings.Join(missing, ", "))
	}
	return Format(template, data), nil
}

// Placeholders returns the sorted placeholder names in template that data does not supply
func Placeholders(template string, data map[string]string) []string {
	seen := make(map[string]struct{})
	var missing []string
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		key := m[1]
		if _, ok := data[key]; ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		missing = append(missing, key)
	}
	sort.Strings(missing)
	return missing
}

// loadFile loads and caches a prompt file
func loadFile(filename string) (map[string]string, error) {
	cacheMu.RLock()
	if prompts, exists := cache[filename]; exists {
		cacheMu.RUnlock()
		return prompts, nil
	}
	cacheMu.RUnlock()

	data, err := promptFiles.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", filename, err)
	}

	var prompts map[string]string
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", filename, err)
	}

	cacheMu.Lock()
	cache[filename] = prompts
	cacheMu.Unlock()

	return prompts, nil
}

// ClearCache clears the prompt cache. Useful for testing.
func ClearCache() {
	cacheMu.Lock()
	cache = make(map[string]map[string]string)
	cacheMu.Unlock()
}

// List returns all available prompt keys in a file, sorted
func List(filename string) ([]string, error) {
	prompts, err := loadFile(filename)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(prompts))
	for key := range prompts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
