package graphrag

import (
	"fmt"
	"sort"
	"strings"
)

type PromptOptions struct {
	// Role is the caller's role on the graph: viewer, editor or owner.
	Role     string
	ReadOnly bool
}

// BuildSystemPrompt renders c into the system message for one turn.
func BuildSystemPrompt(c *Context, opts PromptOptions) string {
	var b strings.Builder

	b.WriteString("You are the workflow assistant for a visual workflow editor.")
	b.WriteString("\nYou help the user understand and change a workflow graph made of typed nodes connected through handles.")
	if role := strings.TrimSpace(opts.Role); role != "" {
		b.WriteString("\nThe user's role on this graph is: " + role + ".")
	}

	if c != nil {
		b.WriteString("\n\n## Graph\n")
		fmt.Fprintf(&b, "Name: %s\nKey: %s\n", c.Graph.Name, c.Graph.Key)
		if c.Graph.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", c.Graph.Description)
		}
		if len(c.Graph.Sheets) > 0 {
			ids := make([]string, 0, len(c.Graph.Sheets))
			for id := range c.Graph.Sheets {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			b.WriteString("Sheets:\n")
			for _, id := range ids {
				fmt.Fprintf(&b, "- %s (%s)\n", c.Graph.Sheets[id], id)
			}
		}

		if len(c.NodeTypeConfigs) > 0 {
			b.WriteString("\n## Node types\n")
			for _, t := range c.NodeTypeConfigs {
				fmt.Fprintf(&b, "- %s", t.Key)
				if t.DisplayName != "" && t.DisplayName != t.Key {
					fmt.Fprintf(&b, " \"%s\"", t.DisplayName)
				}
				if t.Category != "" {
					fmt.Fprintf(&b, " [%s]", t.Category)
				}
				if t.Description != "" {
					b.WriteString(": " + t.Description)
				}
				if t.HandlesSummary != "" {
					b.WriteString("\n  handles: " + t.HandlesSummary)
				}
				b.WriteString("\n")
			}
		}

		b.WriteString("\n## Relevant nodes\n")
		if len(c.RelevantNodes) == 0 {
			b.WriteString("(none)\n")
		}
		for _, n := range c.RelevantNodes {
			fmt.Fprintf(&b, "- %s (type %s", n.Key, n.Type)
			if n.TypeName != "" && n.TypeName != n.Type {
				fmt.Fprintf(&b, " \"%s\"", n.TypeName)
			}
			fmt.Fprintf(&b, ", sheet %s)\n", n.SheetName)
			for _, h := range n.Handles {
				pts := make([]string, 0, len(h.Points))
				for _, p := range h.Points {
					pts = append(pts, fmt.Sprintf("%s %s(%s)", p.ID, p.Direction, p.AcceptedType))
				}
				fmt.Fprintf(&b, "  handles %s: %s\n", h.Side, strings.Join(pts, ", "))
			}
			if n.Process != "" {
				b.WriteString("  process: " + n.Process + "\n")
			}
			if n.DataSummary != "" {
				b.WriteString("  data: " + n.DataSummary + "\n")
			}
		}

		if len(c.RelevantEdges) > 0 {
			b.WriteString("\n## Connections\n")
			for _, e := range c.RelevantEdges {
				fmt.Fprintf(&b, "- %s.%s -> %s.%s", e.Source, e.SourceHandle, e.Target, e.TargetHandle)
				if e.Label != "" {
					b.WriteString(" (" + e.Label + ")")
				}
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("\n## Rules\n")
	b.WriteString("- The nodes above are a relevant subset. Use the read tools to look up anything else before answering.\n")
	b.WriteString("- Refer to nodes by key. Do not invent nodes, handles or types that do not exist.\n")
	if opts.ReadOnly {
		b.WriteString("- You have read-only access. If the user asks for a change, explain what they would need to do instead.\n")
	} else {
		b.WriteString("- Every change to the graph is a proposal. Call exactly one mutating tool per step; the user approves or rejects it before it is applied.\n")
		b.WriteString("- If a proposal is rejected, read the feedback and adapt instead of repeating the same proposal.\n")
		b.WriteString("- Only connect an out handle to an in handle with a compatible accepted type.\n")
	}
	b.WriteString("- Answer in the language the user writes in. Be concise.\n")

	return strings.TrimSpace(b.String())
}
