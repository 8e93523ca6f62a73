package llm

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptsFile []byte

// Prompts are the base templates shared by the router, the RAG pipeline,
// and the conversation summarizer. They load once at start-up from the
// embedded file; a malformed file refuses start.
type Prompts struct {
	RouterSystem      string `yaml:"router_system"`
	RAGSystem         string `yaml:"rag_system"`
	UserWrapper       string `yaml:"user_wrapper"`
	SummarySystem     string `yaml:"summary_system"`
	AssistantFallback string `yaml:"assistant_fallback"`
}

// LoadPrompts parses the embedded prompt templates.
func LoadPrompts() (*Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(promptsFile, &p); err != nil {
		return nil, fmt.Errorf("llm: parse prompts: %w", err)
	}
	if p.RouterSystem == "" || p.RAGSystem == "" || p.UserWrapper == "" {
		return nil, fmt.Errorf("llm: prompts file is incomplete")
	}
	return &p, nil
}

// WrapUser renders the user turn that carries the question together with
// the formatted evidence block.
func (p *Prompts) WrapUser(question, evidence string) string {
	if evidence == "" {
		evidence = "(no evidence retrieved)"
	}
	return fmt.Sprintf(p.UserWrapper, question, evidence)
}
