package openai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageContent models OpenAI's two content shapes: a bare string or an
// array of typed parts. The zero value marshals as "".
type MessageContent struct {
	text    string
	parts   []ContentPart
	isParts bool
}

// ContentPart is one element of multi-part content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Text constructs plain string content.
func Text(s string) MessageContent {
	return MessageContent{text: s}
}

// Parts constructs multi-part content.
func Parts(parts []ContentPart) MessageContent {
	return MessageContent{parts: parts, isParts: true}
}

// IsParts reports whether the content is the array shape.
func (c MessageContent) IsParts() bool { return c.isParts }

// PartList returns the parts, or nil for string content.
func (c MessageContent) PartList() []ContentPart {
	if !c.isParts {
		return nil
	}
	return c.parts
}

// Text flattens content to plain text. Part lists concatenate their text
// parts; image parts contribute a placeholder so logging never silently
// drops an attachment.
func (c MessageContent) Text() string {
	if !c.isParts {
		return c.text
	}
	var sb strings.Builder
	for _, p := range c.parts {
		switch p.Type {
		case "text":
			if sb.Len() > 0 && p.Text != "" {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		case "image_url":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString("[image attachment]")
		}
	}
	return sb.String()
}

// Images returns the image URLs (https or data URLs) carried in the parts.
func (c MessageContent) Images() []string {
	if !c.isParts {
		return nil
	}
	var urls []string
	for _, p := range c.parts {
		if p.Type == "image_url" && p.ImageURL != nil && p.ImageURL.URL != "" {
			urls = append(urls, p.ImageURL.URL)
		}
	}
	return urls
}

// IsEmpty reports whether the content carries no text and no parts.
func (c MessageContent) IsEmpty() bool {
	if c.isParts {
		return len(c.parts) == 0
	}
	return c.text == ""
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isParts {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = MessageContent{}
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("content parts: %w", err)
		}
		*c = MessageContent{parts: parts, isParts: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("content: expected string or array: %w", err)
	}
	*c = MessageContent{text: s}
	return nil
}
