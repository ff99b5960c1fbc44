package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gonkalabs/piigate/internal/pii"
)

// chatRequest is an OpenAI-style chat completion body. Fields the gateway
// does not touch are kept as raw JSON.
type chatRequest struct {
	fields   map[string]json.RawMessage
	messages []map[string]json.RawMessage
	model    string
}

// textRef points at one redactable string: messages[msg].content, or
// messages[msg].content[part].text when part >= 0.
type textRef struct {
	msg  int
	part int
}

type textItem struct {
	ref  textRef
	text string
}

func parseChat(body []byte) (*chatRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, errors.New("body is not a JSON object")
	}

	if raw, ok := fields["stream"]; ok {
		var stream bool
		if err := json.Unmarshal(raw, &stream); err != nil {
			return nil, errors.New("stream must be a boolean")
		}
		if stream {
			return nil, errors.New("streaming is not supported")
		}
	}

	raw, ok := fields["messages"]
	if !ok {
		return nil, errors.New("messages is required")
	}
	var messages []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, errors.New("messages must be an array of objects")
	}
	if len(messages) == 0 {
		return nil, errors.New("messages is empty")
	}
	for i, m := range messages {
		if m == nil {
			return nil, fmt.Errorf("messages[%d] is not an object", i)
		}
	}

	c := &chatRequest{fields: fields, messages: messages}
	if raw, ok := fields["model"]; ok {
		_ = json.Unmarshal(raw, &c.model)
	}
	return c, nil
}

// texts lists every string content and text part in message order.
func (c *chatRequest) texts() []textItem {
	var items []textItem
	for i, m := range c.messages {
		raw, ok := m["content"]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			items = append(items, textItem{ref: textRef{msg: i, part: -1}, text: s})
			continue
		}

		// Multi-part content.
		var parts []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			continue
		}
		for j, p := range parts {
			var text string
			if tr, ok := p["text"]; ok && json.Unmarshal(tr, &text) == nil {
				items = append(items, textItem{ref: textRef{msg: i, part: j}, text: text})
			}
		}
	}
	return items
}

// replace writes the redacted texts back. items must come from texts().
func (c *chatRequest) replace(items []textItem) error {
	partsCache := map[int][]map[string]json.RawMessage{}
	for _, it := range items {
		b, err := marshal(it.text)
		if err != nil {
			return err
		}
		if it.ref.part < 0 {
			c.messages[it.ref.msg]["content"] = b
			continue
		}
		parts, ok := partsCache[it.ref.msg]
		if !ok {
			if err := json.Unmarshal(c.messages[it.ref.msg]["content"], &parts); err != nil {
				return err
			}
			partsCache[it.ref.msg] = parts
		}
		parts[it.ref.part]["text"] = b
	}
	for i, parts := range partsCache {
		b, err := marshal(parts)
		if err != nil {
			return err
		}
		c.messages[i]["content"] = b
	}
	return nil
}

func (c *chatRequest) encode() ([]byte, error) {
	b, err := marshal(c.messages)
	if err != nil {
		return nil, err
	}
	c.fields["messages"] = b
	return marshal(c.fields)
}

// usage is the token accounting block of a chat completion response.
type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// restoreChoices re-identifies choices[].message.content and choices[].text
// in an upstream response. Everything else passes through. A body that is
// not a JSON object is an error; nothing is restored in that case.
func restoreChoices(body []byte, v *pii.Vault) ([]byte, usage, error) {
	var u usage
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, u, errors.New("response is not a JSON object")
	}
	if raw, ok := fields["usage"]; ok {
		_ = json.Unmarshal(raw, &u)
	}

	raw, ok := fields["choices"]
	if !ok {
		return nil, u, errors.New("response has no choices")
	}
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &choices); err != nil {
		return nil, u, errors.New("choices must be an array of objects")
	}
	if v.IsEmpty() {
		return body, u, nil
	}

	for _, ch := range choices {
		if ch == nil {
			continue
		}
		if err := restoreString(ch, "text", v); err != nil {
			return nil, u, err
		}
		msgRaw, ok := ch["message"]
		if !ok {
			continue
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(msgRaw, &msg); err != nil || msg == nil {
			continue
		}
		if err := restoreString(msg, "content", v); err != nil {
			return nil, u, err
		}
		b, err := marshal(msg)
		if err != nil {
			return nil, u, err
		}
		ch["message"] = b
	}

	b, err := marshal(choices)
	if err != nil {
		return nil, u, err
	}
	fields["choices"] = b
	out, err := marshal(fields)
	return out, u, err
}

func restoreString(obj map[string]json.RawMessage, key string, v *pii.Vault) error {
	raw, ok := obj[key]
	if !ok {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return nil
	}
	b, err := marshal(v.Reidentify(s))
	if err != nil {
		return err
	}
	obj[key] = b
	return nil
}

// firstContent returns choices[0].message.content.
func firstContent(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// marshal encodes v without HTML escaping so placeholders stay readable
// as <KIND_n> on the wire.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
