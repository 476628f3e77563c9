package tools

import (
	"encoding/json"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/mcpagent/internal/mcp"
)

// Content block types.
const (
	BlockText         = "text"
	BlockImage        = "image"
	BlockAudio        = "audio"
	BlockResource     = "resource"
	BlockResourceLink = "resource_link"
)

// ContentBlock is one normalized element of a tool result.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	MIMEType string          `json:"mime_type,omitempty"`
	Data     string          `json:"data,omitempty"`
	URI      string          `json:"uri,omitempty"`
	Name     string          `json:"name,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// ToolCallResult is the normalized outcome of a tools/call.
type ToolCallResult struct {
	ToolName   string          `json:"tool_name"`
	Content    []ContentBlock  `json:"content"`
	IsError    bool            `json:"is_error"`
	Structured json.RawMessage `json:"structured,omitempty"`
	SessionID  string          `json:"session_id"`
	Attempts   int             `json:"attempts"`
}

// Text joins the textual parts of the result, one block per line.
// Non-text blocks are summarized by type.
func (r *ToolCallResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch {
		case b.Text != "":
			parts = append(parts, b.Text)
		case b.URI != "":
			parts = append(parts, "["+b.Type+": "+b.URI+"]")
		case b.MIMEType != "":
			parts = append(parts, "["+b.Type+": "+b.MIMEType+"]")
		default:
			parts = append(parts, "["+b.Type+"]")
		}
	}
	if len(parts) == 0 && len(r.Structured) > 0 {
		return string(r.Structured)
	}
	return strings.Join(parts, "\n")
}

// normalizeResult converts a raw tools/call result.
func normalizeResult(tool, sessionID string, attempts int, raw *mcp.CallToolResult) *ToolCallResult {
	res := &ToolCallResult{
		ToolName:  tool,
		Content:   make([]ContentBlock, 0, len(raw.Content)),
		IsError:   raw.IsError,
		SessionID: sessionID,
		Attempts:  attempts,
	}
	if len(raw.StructuredContent) > 0 && string(raw.StructuredContent) != "null" {
		res.Structured = raw.StructuredContent
	}
	for _, block := range raw.Content {
		res.Content = append(res.Content, normalizeBlock(block))
	}
	return res
}

// normalizeBlock decodes one content block. Blocks the MCP library
// cannot parse are kept raw with their declared type.
func normalizeBlock(raw json.RawMessage) ContentBlock {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ContentBlock{Type: "unknown", Raw: raw}
	}

	content, err := mcplib.ParseContent(m)
	if err != nil {
		t, _ := m["type"].(string)
		if t == "" {
			t = "unknown"
		}
		return ContentBlock{Type: t, Raw: raw}
	}

	switch c := content.(type) {
	case mcplib.TextContent:
		return ContentBlock{Type: BlockText, Text: c.Text}
	case *mcplib.TextContent:
		return ContentBlock{Type: BlockText, Text: c.Text}
	case mcplib.ImageContent:
		return ContentBlock{Type: BlockImage, MIMEType: c.MIMEType, Data: c.Data}
	case *mcplib.ImageContent:
		return ContentBlock{Type: BlockImage, MIMEType: c.MIMEType, Data: c.Data}
	case mcplib.AudioContent:
		return ContentBlock{Type: BlockAudio, MIMEType: c.MIMEType, Data: c.Data}
	case *mcplib.AudioContent:
		return ContentBlock{Type: BlockAudio, MIMEType: c.MIMEType, Data: c.Data}
	case mcplib.ResourceLink:
		return ContentBlock{Type: BlockResourceLink, URI: c.URI, Name: c.Name, MIMEType: c.MIMEType}
	case *mcplib.ResourceLink:
		return ContentBlock{Type: BlockResourceLink, URI: c.URI, Name: c.Name, MIMEType: c.MIMEType}
	case mcplib.EmbeddedResource:
		return embeddedBlock(c.Resource, raw)
	case *mcplib.EmbeddedResource:
		return embeddedBlock(c.Resource, raw)
	}
	t, _ := m["type"].(string)
	return ContentBlock{Type: t, Raw: raw}
}

func embeddedBlock(rc mcplib.ResourceContents, raw json.RawMessage) ContentBlock {
	switch r := rc.(type) {
	case mcplib.TextResourceContents:
		return ContentBlock{Type: BlockResource, URI: r.URI, MIMEType: r.MIMEType, Text: r.Text}
	case *mcplib.TextResourceContents:
		return ContentBlock{Type: BlockResource, URI: r.URI, MIMEType: r.MIMEType, Text: r.Text}
	case mcplib.BlobResourceContents:
		return ContentBlock{Type: BlockResource, URI: r.URI, MIMEType: r.MIMEType, Data: r.Blob}
	case *mcplib.BlobResourceContents:
		return ContentBlock{Type: BlockResource, URI: r.URI, MIMEType: r.MIMEType, Data: r.Blob}
	}
	return ContentBlock{Type: BlockResource, Raw: raw}
}
