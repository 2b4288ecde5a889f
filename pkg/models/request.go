package models

import "encoding/json"

// Payload is the text a caller wants a completion for.
// System holds fixed instructions that are never trimmed; Text holds
// document-derived content whose paragraphs may be dropped to fit a budget.
type Payload struct {
	System string `json:"system,omitempty"`
	Text   string `json:"text"`
}

// Params are the generation parameters that, together with the payload,
// identify a logical request.
type Params struct {
	Model           string   `json:"model" yaml:"model"`
	Temperature     float64  `json:"temperature" yaml:"temperature"`
	TopP            float64  `json:"top_p,omitempty" yaml:"top_p"`
	MaxOutputUnits  int      `json:"max_output_units" yaml:"max_output_units"`
	TemplateVersion string   `json:"template_version,omitempty" yaml:"template_version"`
	StopSequences   []string `json:"stop_sequences,omitempty" yaml:"stop_sequences"`

	// Extra carries caller-defined values that change the answer without
	// being sent to the service (question count, difficulty, ...).
	Extra map[string]any `json:"extra,omitempty" yaml:"extra"`
}

// Request is what the retrying client sends to the remote service.
type Request struct {
	ID     string `json:"id"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`
	Params Params `json:"params"`
}

// Completion is a successfully parsed answer from the remote service.
type Completion struct {
	ID         string          `json:"id"`
	Model      string          `json:"model"`
	Text       string          `json:"text"`
	Structured json.RawMessage `json:"structured"`
	Repair     string          `json:"repair,omitempty"`
	Usage      Usage           `json:"usage"`

	// FromCache is set on completions served from the response cache.
	FromCache bool `json:"-"`
}

// Clone returns a deep copy so concurrent callers never share a buffer.
func (c *Completion) Clone() *Completion {
	if c == nil {
		return nil
	}
	out := *c
	if c.Structured != nil {
		out.Structured = append(json.RawMessage(nil), c.Structured...)
	}
	return &out
}
