package skill

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// mcpTool is one tool exposed by an MCP server.
type mcpTool struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]any
}

// mcpSchema is the intermediate form an MCP server config parses into.
type mcpSchema struct {
	ServerName string
	Command    string
	Args       []string
	Tools      []mcpTool
}

type mcpToolJSON struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type mcpServerJSON struct {
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Tools   []mcpToolJSON `json:"tools"`
}

// NewMCPConverter returns the capability set for MCP server configurations.
func NewMCPConverter() *Converter {
	return &Converter{
		Source: SourceMCP,
		Capabilities: Capabilities{
			Parse:        parseMCP,
			Name:         mcpSkillName,
			Description:  mcpDescription,
			Instructions: mcpInstructions,
			Files:        mcpSupportingFiles,
		},
	}
}

// parseMCP accepts either a full config with an "mcpServers" map or a bare
// server object with a "tools" list.
func parseMCP(source json.RawMessage) (any, error) {
	var wrapper struct {
		McpServers map[string]mcpServerJSON `json:"mcpServers"`
	}
	servers := map[string]mcpServerJSON{}

	if err := json.Unmarshal(source, &wrapper); err == nil && len(wrapper.McpServers) > 0 {
		servers = wrapper.McpServers
	} else {
		var single mcpServerJSON
		if err := json.Unmarshal(source, &single); err != nil {
			return nil, fmt.Errorf("not a recognizable MCP config: %w", err)
		}
		servers["default"] = single
	}

	schema := &mcpSchema{ServerName: "mcp-server"}

	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		server := servers[name]
		schema.ServerName = name
		schema.Command = server.Command
		schema.Args = server.Args
		for _, tool := range server.Tools {
			schema.Tools = append(schema.Tools, mcpTool{
				Server:      name,
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}

	return schema, nil
}

var nonSkillNameRE = regexp.MustCompile(`[^a-z0-9-]`)
var dashRunRE = regexp.MustCompile(`-+`)

func mcpSkillName(schema any) string {
	s := schema.(*mcpSchema)
	name := strings.ToLower(s.ServerName)
	name = nonSkillNameRE.ReplaceAllString(name, "-")
	name = strings.Trim(dashRunRE.ReplaceAllString(name, "-"), "-")
	if name == "" {
		name = "mcp-skill"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func mcpDescription(schema any) string {
	s := schema.(*mcpSchema)
	if len(s.Tools) == 0 {
		return fmt.Sprintf("Provides access to %s capabilities.", s.ServerName)
	}

	limit := len(s.Tools)
	if limit > 5 {
		limit = 5
	}
	names := make([]string, 0, limit)
	for _, tool := range s.Tools[:limit] {
		names = append(names, tool.Name)
	}
	toolList := strings.Join(names, ", ")
	if len(s.Tools) > 5 {
		toolList += fmt.Sprintf(" and %d more", len(s.Tools)-5)
	}

	desc := fmt.Sprintf("Use this skill when working with %s. Provides tools for: %s.", s.ServerName, toolList)
	if len(desc) > 1024 {
		desc = desc[:1024]
	}
	return desc
}

func mcpInstructions(schema any) string {
	s := schema.(*mcpSchema)
	var b strings.Builder

	fmt.Fprintf(&b, "# %s Skill\n\n", toTitle(s.ServerName))
	fmt.Fprintf(&b, "This skill provides access to the %s MCP server.\n\n", s.ServerName)

	if s.Command != "" {
		b.WriteString("## MCP Server Configuration\n\n```json\n")
		config := map[string]any{"command": s.Command}
		if len(s.Args) > 0 {
			config["args"] = s.Args
		}
		data, _ := json.MarshalIndent(config, "", "  ")
		b.Write(data)
		b.WriteString("\n```\n\n")
	}

	if len(s.Tools) > 0 {
		b.WriteString("## Available Tools\n\n")
		for _, tool := range s.Tools {
			fmt.Fprintf(&b, "### `%s`\n\n", tool.Name)
			if tool.Description != "" {
				b.WriteString(tool.Description + "\n\n")
			}
			writeToolParams(&b, tool.InputSchema)
		}
	}

	b.WriteString("## Usage\n\n")
	b.WriteString("When a user request matches this skill's capabilities, use the appropriate MCP tool.\n")
	b.WriteString("Always explain what you're doing before invoking a tool.\n")

	return b.String()
}

func writeToolParams(b *strings.Builder, inputSchema map[string]any) {
	props, _ := inputSchema["properties"].(map[string]any)
	if len(props) == 0 {
		return
	}

	required := map[string]bool{}
	if reqList, ok := inputSchema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	b.WriteString("**Parameters:**\n\n")

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def, _ := props[name].(map[string]any)
		propType, _ := def["type"].(string)
		if propType == "" {
			propType = "any"
		}
		propDesc, _ := def["description"].(string)
		marker := ""
		if required[name] {
			marker = " (required)"
		}
		fmt.Fprintf(b, "- `%s`: %s%s - %s\n", name, propType, marker, propDesc)
	}
	b.WriteString("\n")
}

func mcpSupportingFiles(schema any) []File {
	s := schema.(*mcpSchema)
	if len(s.Tools) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("# Tool Reference\n\nDetailed schema for each tool:\n\n")
	for _, tool := range s.Tools {
		fmt.Fprintf(&b, "## %s\n\n```json\n", tool.Name)
		data, _ := json.MarshalIndent(tool.InputSchema, "", "  ")
		b.Write(data)
		b.WriteString("\n```\n\n")
	}

	return []File{{Path: "docs/tools-reference.md", Content: b.String()}}
}

func toTitle(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '-' || r == '_' || r == ' '
	})
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
