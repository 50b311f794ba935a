package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Transcript renders the conversation as Markdown for export. Function
// calls and their results are shown as fenced JSON so the transcript stays
// readable without losing the exact arguments.
func (s *Session) Transcript() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session: %s\n\n", s.Name)
	fmt.Fprintf(&b, "Exported %s\n\n", time.Now().Format(time.RFC3339))
	for _, m := range s.History {
		switch m.Role {
		case RoleUser:
			b.WriteString("## User\n\n")
		case RoleModel:
			b.WriteString("## Assistant\n\n")
		case RoleTool:
			b.WriteString("## Tool results\n\n")
		}
		for _, p := range m.Parts {
			switch {
			case p.Text != "":
				b.WriteString(p.Text)
				b.WriteString("\n\n")
			case p.FunctionCall != nil:
				args, _ := json.MarshalIndent(p.FunctionCall.Args, "", "  ")
				fmt.Fprintf(&b, "Call `%s`:\n\n```json\n%s\n```\n\n", p.FunctionCall.Name, args)
			case p.FunctionResponse != nil:
				resp, _ := json.MarshalIndent(p.FunctionResponse.Response, "", "  ")
				fmt.Fprintf(&b, "Result of `%s`:\n\n```json\n%s\n```\n\n", p.FunctionResponse.Name, resp)
			}
		}
	}
	return b.String()
}

// ExportTranscript writes the Markdown transcript to path.
func (s *Session) ExportTranscript(path string) error {
	return atomicWrite(path, []byte(s.Transcript()))
}
