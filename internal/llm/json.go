package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON pulls a JSON document out of model output. It tries, in
// order: the whole string, the first fenced code block, and the first
// top-level {...} substring.
func ExtractJSON(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) && trimmed != "" {
		return trimmed, true
	}

	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		candidate := strings.TrimSpace(m[1])
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		candidate := content[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

// GenerateJSON runs a completion and unmarshals the extracted JSON into v.
// Generation failures and unparseable output both come back as error
// records; v is untouched on failure.
func (c *Client) GenerateJSON(ctx context.Context, req Request, v interface{}) Response {
	resp := c.Generate(ctx, req)
	if resp.Err {
		return resp
	}

	doc, ok := ExtractJSON(resp.Content)
	if !ok {
		resp.Err = true
		resp.Message = "no JSON found in model output: " + truncate([]byte(resp.Content), 200)
		return resp
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		resp.Err = true
		resp.Message = "JSON did not match expected shape: " + err.Error()
		return resp
	}
	return resp
}
