package store

import "slices"

// explorationTools are read-only inspection tools whose results are safe to
// collapse in bulk for display.
var explorationTools = map[string]bool{
	"Read": true,
	"Glob": true,
	"Grep": true,
}

// minGroupRun is the shortest run of exploration tool-result messages that
// collapses into a group.
const minGroupRun = 3

// ToolCount is one entry in a group's per-tool breakdown.
type ToolCount struct {
	Name  string
	Count int
}

// Group is a collapsed run of exploration tool-result messages.
type Group struct {
	Messages  []Message
	Total     int         // total tool results across the run
	Breakdown []ToolCount // sorted by descending count, then name
}

// RenderItem is either a single message or a collapsed group; exactly one
// field is non-nil.
type RenderItem struct {
	Single *Message
	Group  *Group
}

// isExploration reports whether every tool result in the message belongs to
// the exploration set. Messages without tool results never group.
func isExploration(m *Message) bool {
	if m.Content.Kind != ContentToolResult || len(m.Content.ToolResults) == 0 {
		return false
	}
	for _, r := range m.Content.ToolResults {
		if !explorationTools[r.ToolName] {
			return false
		}
	}
	return true
}

// GroupExploration collapses runs of minGroupRun or more consecutive
// exploration tool-result messages into group items. It recomputes from
// scratch and is deterministic: identical input yields identical grouping.
func GroupExploration(msgs []Message) []RenderItem {
	var items []RenderItem
	for i := 0; i < len(msgs); {
		if !isExploration(&msgs[i]) {
			items = append(items, RenderItem{Single: &msgs[i]})
			i++
			continue
		}
		j := i
		for j < len(msgs) && isExploration(&msgs[j]) {
			j++
		}
		if j-i < minGroupRun {
			for ; i < j; i++ {
				items = append(items, RenderItem{Single: &msgs[i]})
			}
			continue
		}
		items = append(items, RenderItem{Group: summarize(msgs[i:j])})
		i = j
	}
	return items
}

func summarize(run []Message) *Group {
	g := &Group{Messages: run}
	counts := make(map[string]int)
	for i := range run {
		for _, r := range run[i].Content.ToolResults {
			counts[r.ToolName]++
			g.Total++
		}
	}
	for name, n := range counts {
		g.Breakdown = append(g.Breakdown, ToolCount{Name: name, Count: n})
	}
	slices.SortFunc(g.Breakdown, func(a, b ToolCount) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return g
}
