package extract

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

// Placeholder is replaced with the OCR text in the prompt template.
const Placeholder = "{texto_ticket}"

//go:embed prompt.txt
var defaultPrompt string

// Prompt renders the extraction prompt.
type Prompt struct {
	template string
}

// LoadPrompt reads the template at path, or uses the built-in one when path
// is empty.
func LoadPrompt(path string) (*Prompt, error) {
	if path == "" {
		return &Prompt{template: defaultPrompt}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompt template %s: %w", path, err)
	}
	tmpl := string(data)
	if !strings.Contains(tmpl, Placeholder) {
		return nil, fmt.Errorf("prompt template %s has no %s placeholder", path, Placeholder)
	}
	return &Prompt{template: tmpl}, nil
}

func (p *Prompt) Render(ocrText string) string {
	return strings.ReplaceAll(p.template, Placeholder, ocrText)
}
