package llm

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// REQUEST BUILDERS
// =============================================================================

const anthropicVersion = "2023-06-01"

// buildRequest produces the provider-specific URL, headers, and JSON body.
func (c *Client) buildRequest(p Provider, apiKey string, req Request) (string, map[string]string, []byte, error) {
	switch p.Shape {
	case ShapeAnthropic:
		return c.buildAnthropic(p, apiKey, req)
	case ShapeGoogle:
		return c.buildGoogle(p, apiKey, req)
	case ShapeOpenAI:
		return c.buildOpenAI(p, apiKey, req)
	}
	return "", nil, nil, fmt.Errorf("unknown API shape %q", p.Shape)
}

func (c *Client) buildAnthropic(p Provider, apiKey string, req Request) (string, map[string]string, []byte, error) {
	payload := map[string]interface{}{
		"model":       req.Model,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"messages":    req.Messages,
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, nil, err
	}
	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}
	return c.baseURL(p) + "/messages", headers, body, nil
}

func (c *Client) buildGoogle(p Provider, apiKey string, req Request) (string, map[string]string, []byte, error) {
	contents := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]interface{}{
			"role":  role,
			"parts": []map[string]string{{"text": m.Content}},
		})
	}
	payload := map[string]interface{}{
		"contents": contents,
		"generationConfig": map[string]interface{}{
			"temperature":     req.Temperature,
			"maxOutputTokens": req.MaxTokens,
		},
	}
	if req.System != "" {
		payload["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]string{{"text": req.System}},
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, nil, err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL(p), req.Model, apiKey)
	return url, map[string]string{}, body, nil
}

func (c *Client) buildOpenAI(p Provider, apiKey string, req Request) (string, map[string]string, []byte, error) {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	payload := map[string]interface{}{
		"model":       req.Model,
		"messages":    messages,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, nil, err
	}
	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	return c.baseURL(p) + "/chat/completions", headers, body, nil
}

// =============================================================================
// RESPONSE PARSERS
// =============================================================================

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// parseBody extracts content and token counts from a 2xx body.
func (c *Client) parseBody(p Provider, raw []byte) Response {
	switch p.Shape {
	case ShapeAnthropic:
		var r anthropicResponse
		if err := json.Unmarshal(raw, &r); err != nil || len(r.Content) == 0 {
			return Response{Err: true, Message: fmt.Sprintf("malformed anthropic response: %s", truncate(raw, 200))}
		}
		text := ""
		for _, block := range r.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		return Response{Content: text, InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens}

	case ShapeGoogle:
		var r googleResponse
		if err := json.Unmarshal(raw, &r); err != nil || len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
			return Response{Err: true, Message: fmt.Sprintf("malformed gemini response: %s", truncate(raw, 200))}
		}
		text := ""
		for _, part := range r.Candidates[0].Content.Parts {
			text += part.Text
		}
		return Response{Content: text, InputTokens: r.UsageMetadata.PromptTokenCount, OutputTokens: r.UsageMetadata.CandidatesTokenCount}

	case ShapeOpenAI:
		var r openAIResponse
		if err := json.Unmarshal(raw, &r); err != nil || len(r.Choices) == 0 {
			return Response{Err: true, Message: fmt.Sprintf("malformed chat-completions response: %s", truncate(raw, 200))}
		}
		return Response{Content: r.Choices[0].Message.Content, InputTokens: r.Usage.PromptTokens, OutputTokens: r.Usage.CompletionTokens}
	}
	return Response{Err: true, Message: fmt.Sprintf("unknown API shape %q", p.Shape)}
}
