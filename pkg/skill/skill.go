// Package skill converts external tool definitions into Claude Skill
// packages (SKILL.md format).
//
// Converters share one shape: a capability set with required capabilities
// (parse, name, description, instructions) and optional ones (allowed tools,
// supporting files), tagged by source type. Adding a source means supplying
// a new capability set, not a new type hierarchy.
package skill

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// SourceType tags the external definition format a converter understands.
type SourceType string

const (
	SourceMCP SourceType = "mcp"
)

// Metadata is the SKILL.md YAML frontmatter.
type Metadata struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	AllowedTools []string `json:"allowed-tools,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// File is one supporting file in the skill directory.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Skill is a complete Claude Skill package.
type Skill struct {
	Metadata        Metadata `json:"metadata"`
	Instructions    string   `json:"instructions"`
	SupportingFiles []File   `json:"supportingFiles"`
}

// Capabilities is the full capability set of a converter. Parse, Name,
// Description, and Instructions are required; Tools and Files may be nil.
type Capabilities struct {
	Parse        func(source json.RawMessage) (any, error)
	Name         func(schema any) string
	Description  func(schema any) string
	Instructions func(schema any) string
	Tools        func(schema any) []string
	Files        func(schema any) []File
}

// Converter binds a capability set to its source type tag.
type Converter struct {
	Source SourceType
	Capabilities
}

// Convert runs the capability set over a raw source definition.
func (c *Converter) Convert(source json.RawMessage) (*Skill, error) {
	schema, err := c.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s source: %w", c.Source, err)
	}

	skill := &Skill{
		Metadata: Metadata{
			Name:        c.Name(schema),
			Description: c.Description(schema),
		},
		Instructions: c.Instructions(schema),
	}
	if c.Tools != nil {
		skill.Metadata.AllowedTools = c.Tools(schema)
	}
	if c.Files != nil {
		skill.SupportingFiles = c.Files(schema)
	}
	return skill, nil
}

// Render generates the SKILL.md file content for a skill.
func Render(s *Skill) string {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("name: " + s.Metadata.Name + "\n")
	b.WriteString("description: " + s.Metadata.Description + "\n")

	if len(s.Metadata.AllowedTools) > 0 {
		b.WriteString("allowed-tools:\n")
		for _, tool := range s.Metadata.AllowedTools {
			b.WriteString("  - " + tool + "\n")
		}
	}
	if s.Metadata.Model != "" {
		b.WriteString("model: " + s.Metadata.Model + "\n")
	}

	b.WriteString("---\n\n")
	b.WriteString(s.Instructions)
	return b.String()
}

var skillNameRE = regexp.MustCompile(`^[a-z0-9-]+$`)

// Validate checks a rendered SKILL.md document and returns the list of
// problems found, empty when the document is valid.
func Validate(skillMD string) []string {
	var errs []string

	if !strings.HasPrefix(skillMD, "---") {
		errs = append(errs, "SKILL.md must start with --- (YAML frontmatter)")
		return errs
	}

	lines := strings.Split(skillMD, "\n")
	frontmatterEnd := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			frontmatterEnd = i
			break
		}
	}
	if frontmatterEnd == -1 {
		errs = append(errs, "Missing closing --- for YAML frontmatter")
		return errs
	}

	frontmatter := lines[1:frontmatterEnd]
	hasName, hasDescription := false, false
	for _, line := range frontmatter {
		if name, ok := strings.CutPrefix(line, "name:"); ok {
			hasName = true
			name = strings.TrimSpace(name)
			if !skillNameRE.MatchString(name) {
				errs = append(errs, "name must be lowercase letters, numbers, and hyphens only")
			}
			if len(name) > 64 {
				errs = append(errs, "name must be 64 characters or less")
			}
		}
		if desc, ok := strings.CutPrefix(line, "description:"); ok {
			hasDescription = true
			if len(strings.TrimSpace(desc)) > 1024 {
				errs = append(errs, "description must be 1024 characters or less")
			}
		}
	}
	if !hasName {
		errs = append(errs, "Missing required field: name")
	}
	if !hasDescription {
		errs = append(errs, "Missing required field: description")
	}

	return errs
}

// Package lays out the install tree for a rendered skill: file paths keyed
// to contents, plus the conventional install location.
func Package(skillMD, name string) (files map[string]string, installPath string) {
	files = map[string]string{
		name + "/SKILL.md": skillMD,
	}
	return files, ".claude/skills/" + name + "/"
}
