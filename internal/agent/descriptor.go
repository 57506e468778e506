package agent

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// ParseDescriptor parses a Markdown agent descriptor. The file starts
// with a YAML frontmatter block (name, description, model, tier,
// operations) delimited by "---" lines; everything after the closing
// delimiter becomes the agent's prompt.
func ParseDescriptor(content []byte) (*Agent, error) {
	text := string(content)
	trimmed := strings.TrimLeft(text, "\ufeff\n\r\t ")
	if !strings.HasPrefix(trimmed, frontmatterDelimiter) {
		return nil, fmt.Errorf("%w: missing frontmatter", ErrInvalidDescriptor)
	}

	rest := trimmed[len(frontmatterDelimiter):]
	// The frontmatter ends at the next delimiter on its own line.
	end := strings.Index(rest, "\n"+frontmatterDelimiter)
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated frontmatter", ErrInvalidDescriptor)
	}

	front := rest[:end]
	body := rest[end+len("\n"+frontmatterDelimiter):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}

	var a Agent
	if err := yaml.Unmarshal([]byte(front), &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	a.Prompt = strings.TrimSpace(body)

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}
