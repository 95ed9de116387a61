package extract

import (
	"bytes"
	"encoding/json"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/errors"
)

// ExtractJSON returns the object embedded in free-form model output: the
// text from the first '{' to the last '}', re-encoded compactly. Only a JSON
// object is accepted.
func ExtractJSON(output string) (json.RawMessage, error) {
	if strings.TrimSpace(output) == "" {
		return nil, apperrors.ErrEmptyResponse
	}
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end < start {
		return nil, apperrors.ErrNoStructuredResult
	}
	candidate := []byte(output[start : end+1])

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(candidate, &obj); err != nil || obj == nil {
		return nil, apperrors.ErrNoStructuredResult
	}
	if len(obj) == 0 {
		return nil, apperrors.ErrEmptyResponse
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, candidate); err != nil {
		return nil, apperrors.ErrNoStructuredResult
	}
	return buf.Bytes(), nil
}
