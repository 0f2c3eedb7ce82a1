package generator

import (
	"encoding/xml"
	"fmt"
	"strings"

	"memoryd/internal/model"
)

// InitPrompt establishes the observer role, the project, the originating
// user request, and the exact XML output format for the first turn on a
// session.
func InitPrompt(project, userPrompt string) string {
	var b strings.Builder
	b.WriteString("You are a background memory agent observing a coding session.\n")
	fmt.Fprintf(&b, "Project: %s\n", project)
	if userPrompt != "" {
		fmt.Fprintf(&b, "Originating user request: %s\n", userPrompt)
	}
	b.WriteString(outputFormatInstructions)
	return b.String()
}

// ContinuationPrompt re-establishes format expectations without
// re-declaring the whole role, avoiding rebuilding the generator's working
// context on every event.
func ContinuationPrompt() string {
	return "Continue observing the same session. " + outputFormatInstructions
}

const outputFormatInstructions = `
For each tool event you are shown, emit zero or more <observation> elements.
Each <observation> may contain: <type> (one of decision, bugfix, feature,
refactor, discovery, change), <title>, <subtitle>, <narrative>, <facts>
(one <fact> per line item), <concepts> (one <concept> per tag),
<files_read> (one <file> per path), <files_modified> (one <file> per path).
All sub-fields are optional. When asked to summarize, emit exactly one
<summary> element (fields: <request>, <investigated>, <learned>,
<completed>, <next_steps>, <notes>) or a <skip_summary/> element if nothing
changed.
`

// ObservedFromPrimarySession serializes one tool event as the
// <observed_from_primary_session> XML block the generator is shown.
func ObservedFromPrimarySession(ev model.ObservationEvent, timestamp string) string {
	type block struct {
		XMLName      xml.Name `xml:"observed_from_primary_session"`
		ToolName     string   `xml:"tool_name"`
		Timestamp    string   `xml:"timestamp"`
		Cwd          string   `xml:"cwd,omitempty"`
		ToolInput    string   `xml:"tool_input"`
		ToolResponse string   `xml:"tool_response"`
	}
	b := block{
		ToolName:     ev.ToolName,
		Timestamp:    timestamp,
		Cwd:          ev.Cwd,
		ToolInput:    ev.ToolInput,
		ToolResponse: ev.ToolResponse,
	}
	out, err := xml.MarshalIndent(b, "", "  ")
	if err != nil {
		// Marshaling a block of plain strings cannot fail in practice; fall
		// back to an unstructured block rather than dropping the event.
		return fmt.Sprintf("<observed_from_primary_session><tool_name>%s</tool_name></observed_from_primary_session>", ev.ToolName)
	}
	return string(out)
}

// SummarizePrompt builds the summary request, including the last
// conversational turns from the host for context.
func SummarizePrompt(ev model.SummarizeEvent) string {
	var b strings.Builder
	b.WriteString("Summarize progress on this session so far.\n")
	if ev.LastUserMessage != "" {
		fmt.Fprintf(&b, "Last user message: %s\n", ev.LastUserMessage)
	}
	if ev.LastAssistantMessage != "" {
		fmt.Fprintf(&b, "Last assistant message: %s\n", ev.LastAssistantMessage)
	}
	return b.String()
}
