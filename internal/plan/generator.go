// Package plan turns conversation content into a structured research scope
// and its rendered plan document.
package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Scope is the structured payload of a plan version: what to research,
// which questions to answer, and how deep to go.
type Scope struct {
	Topic     string   `json:"topic"`
	Questions []string `json:"questions"`
	Depth     string   `json:"depth"` // "quick", "standard", "deep"
}

// Generator produces a scope and a rendered plan document from raw
// conversation content. Implementations are treated as opaque by the
// lifecycle engine.
type Generator interface {
	Generate(content string) (Scope, string, error)
}

// Heuristic derives a scope from plain text without any model calls:
// the first non-empty line becomes the topic, question-marked or bulleted
// lines become research questions, and a trailing "depth:" directive sets
// the depth.
type Heuristic struct{}

// Generate implements Generator.
func (Heuristic) Generate(content string) (Scope, string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Scope{}, "", fmt.Errorf("content is empty")
	}

	scope := Scope{Depth: "standard"}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if scope.Topic == "" {
			scope.Topic = line
			continue
		}
		if d, ok := strings.CutPrefix(strings.ToLower(line), "depth:"); ok {
			if d = strings.TrimSpace(d); d == "quick" || d == "standard" || d == "deep" {
				scope.Depth = d
			}
			continue
		}
		trimmed := strings.TrimLeft(line, "-* ")
		if strings.HasSuffix(trimmed, "?") {
			scope.Questions = append(scope.Questions, trimmed)
		}
	}

	return scope, Render(scope), nil
}

// Render produces the human-readable plan document for a scope.
func Render(scope Scope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research Plan: %s\n\n", scope.Topic)
	fmt.Fprintf(&b, "**Depth:** %s\n\n", scope.Depth)
	b.WriteString("## Questions\n\n")
	if len(scope.Questions) == 0 {
		b.WriteString("- No specific questions provided\n")
	}
	for _, q := range scope.Questions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	return b.String()
}

// MarshalScope encodes a scope as the JSON text stored alongside the plan.
func MarshalScope(scope Scope) (string, error) {
	b, err := json.Marshal(scope)
	if err != nil {
		return "", fmt.Errorf("marshaling scope: %w", err)
	}
	return string(b), nil
}

// UnmarshalScope decodes the stored scope JSON.
func UnmarshalScope(s string) (Scope, error) {
	var scope Scope
	if err := json.Unmarshal([]byte(s), &scope); err != nil {
		return Scope{}, fmt.Errorf("parsing scope: %w", err)
	}
	return scope, nil
}
