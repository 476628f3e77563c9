package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/nugget/mcpagent/internal/llm"
)

var (
	nameStyle      = color.New(color.FgCyan, color.Bold)
	dimStyle       = color.New(color.Faint)
	errorStyle     = color.New(color.FgRed, color.Bold)
	okStyle        = color.New(color.FgGreen)
	userStyle      = color.New(color.FgYellow, color.Bold)
	assistantStyle = color.New(color.FgMagenta, color.Bold)
)

// writeJSON encodes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// paramSummary renders a JSON Schema's properties as "(a*, b)" with
// required parameters starred.
func paramSummary(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return "()"
	}
	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range req {
			required[s] = true
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		if required[name] {
			name += "*"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return "(" + strings.Join(names, ", ") + ")"
}

// streamPrinter writes an agent run as it streams: model text after an
// "agent>" prompt, then a line for each tool call and its result.
type streamPrinter struct {
	w      io.Writer
	inText bool
}

func (p *streamPrinter) callback(ev llm.StreamEvent) {
	switch ev.Kind {
	case llm.KindToken:
		if ev.Token == "" {
			return
		}
		if !p.inText {
			assistantStyle.Fprint(p.w, "agent> ")
			p.inText = true
		}
		fmt.Fprint(p.w, ev.Token)
	case llm.KindToolCallStart:
		p.endText()
		if ev.ToolCall != nil {
			dimStyle.Fprintf(p.w, "  -> %s%s\n", ev.ToolCall.Function.Name, compactArgs(ev.ToolCall.Function.Arguments))
		}
	case llm.KindToolCallDone:
		p.endText()
		if ev.ToolError != "" {
			errorStyle.Fprintf(p.w, "  <- %s failed: %s\n", ev.ToolName, ev.ToolError)
			return
		}
		dimStyle.Fprintf(p.w, "  <- %s ok, %s\n", ev.ToolName, humanize.Bytes(uint64(len(ev.ToolResult))))
	case llm.KindDone:
		p.endText()
	}
}

func (p *streamPrinter) endText() {
	if p.inText {
		fmt.Fprintln(p.w)
		p.inText = false
	}
}

// compactArgs renders tool arguments as " {json}", or "" when empty.
func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return " " + string(b)
}
