package graphrag

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/graphpilot-backend/internal/domain/workflow"
)

// Context is the bounded slice of a graph handed to the model. It is shared
// between cache hits and must be treated as read-only.
type Context struct {
	Graph           GraphSummary            `json:"graph"`
	RelevantNodes   []RelevantNode          `json:"relevantNodes"`
	RelevantEdges   []RelevantEdge          `json:"relevantEdges"`
	NodeTypeConfigs []NodeTypeConfigSummary `json:"nodeTypeConfigs"`
}

type GraphSummary struct {
	Key         string            `json:"key"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Sheets      map[string]string `json:"sheets"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

type HandleSummary struct {
	Side   string                 `json:"side"`
	Points []workflow.HandlePoint `json:"points"`
}

type RelevantNode struct {
	Key         string          `json:"key"`
	Type        string          `json:"type"`
	TypeName    string          `json:"typeName,omitempty"`
	Sheet       string          `json:"sheet"`
	SheetName   string          `json:"sheetName"`
	Process     string          `json:"process,omitempty"`
	Handles     []HandleSummary `json:"handles,omitempty"`
	DataSummary string          `json:"dataSummary,omitempty"`
}

type RelevantEdge struct {
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle"`
	Label        string `json:"label,omitempty"`
}

type NodeTypeConfigSummary struct {
	Key            string `json:"key"`
	DisplayName    string `json:"displayName"`
	Description    string `json:"description"`
	Category       string `json:"category"`
	Icon           string `json:"icon,omitempty"`
	HandlesSummary string `json:"handlesSummary"`
}

// HasNode reports whether key is among the relevant nodes.
func (c *Context) HasNode(key string) bool {
	if c == nil {
		return false
	}
	for _, n := range c.RelevantNodes {
		if n.Key == key {
			return true
		}
	}
	return false
}

const ellipsis = "…"

// truncate cuts s to max runes, appending an ellipsis when it had to cut.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + ellipsis
}

func summarizeData(data map[string]any, max int) string {
	if len(data) == 0 {
		return ""
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return truncate(string(raw), max)
}

func toHandleSummaries(hs []workflow.Handle) []HandleSummary {
	if len(hs) == 0 {
		return nil
	}
	out := make([]HandleSummary, 0, len(hs))
	for _, h := range hs {
		out = append(out, HandleSummary{Side: h.Side, Points: h.Points})
	}
	return out
}

// summarizeHandles renders handles as "left: in(json); right: out(text)".
func summarizeHandles(hs []workflow.Handle) string {
	parts := make([]string, 0, len(hs))
	for _, h := range hs {
		pts := make([]string, 0, len(h.Points))
		for _, p := range h.Points {
			label := p.ID
			if p.Display != "" {
				label = p.Display
			}
			pts = append(pts, fmt.Sprintf("%s %s(%s)", label, p.Direction, p.AcceptedType))
		}
		parts = append(parts, h.Side+": "+strings.Join(pts, ", "))
	}
	return strings.Join(parts, "; ")
}
