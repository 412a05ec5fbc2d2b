package prompt

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Prompt is one examiner cue inside a topic.
type Prompt struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
	Hint string `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// PromptSet is the ordered, fixed list of prompts for one topic.
type PromptSet struct {
	ID          string   `json:"id" yaml:"id"`
	Title       string   `json:"title" yaml:"title"`
	OpeningLine string   `json:"openingLine" yaml:"opening_line"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Prompts     []Prompt `json:"prompts" yaml:"prompts"`
}

// Len returns the number of prompts, which bounds the turn index of a session.
func (p PromptSet) Len() int {
	return len(p.Prompts)
}

type catalogue struct {
	Topics []PromptSet `yaml:"topics"`
}

//go:embed topics.yaml
var seedYAML []byte

// Seed returns the built-in topics.
func Seed() []PromptSet {
	sets, err := Parse(seedYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded topics.yaml is invalid: %v", err))
	}
	return sets
}

// Parse decodes a YAML topic catalogue and validates each set.
func Parse(data []byte) ([]PromptSet, error) {
	var c catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topics: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Topics))
	for _, set := range c.Topics {
		if set.ID == "" {
			return nil, fmt.Errorf("topic without id")
		}
		if _, dup := seen[set.ID]; dup {
			return nil, fmt.Errorf("duplicate topic id %q", set.ID)
		}
		seen[set.ID] = struct{}{}
		if len(set.Prompts) == 0 {
			return nil, fmt.Errorf("topic %q has no prompts", set.ID)
		}
	}
	return c.Topics, nil
}
