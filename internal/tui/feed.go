package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// feedLine is one rendered step of a task.
type feedLine struct {
	Kind   string
	Step   int
	Result string
}

// StepFeed keeps the most recent step lines of a task.
type StepFeed struct {
	lines    []feedLine
	maxItems int
}

func NewStepFeed(maxItems int) *StepFeed {
	if maxItems <= 0 {
		maxItems = 200
	}
	return &StepFeed{maxItems: maxItems}
}

func (f *StepFeed) Add(kind string, step int, result string) {
	f.lines = append(f.lines, feedLine{Kind: kind, Step: step, Result: result})
	if len(f.lines) > f.maxItems {
		f.lines = f.lines[len(f.lines)-f.maxItems:]
	}
}

func (f *StepFeed) Len() int {
	return len(f.lines)
}

var kindColors = map[string]string{
	"think":  "6",
	"tool":   "3",
	"act":    "5",
	"run":    "4",
	"result": "2",
	"log":    "240",
}

// View renders at most height lines, newest last. Zero height renders all.
func (f *StepFeed) View(height int) string {
	lines := f.lines
	if height > 0 && len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	textS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	for _, l := range lines {
		color, ok := kindColors[l.Kind]
		if !ok {
			color = "240"
		}
		tag := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(color)).Render(fmt.Sprintf("%-6s", l.Kind))
		first, _, multi := strings.Cut(l.Result, "\n")
		if multi {
			first += " …"
		}
		out.WriteString(fmt.Sprintf("%s %3d  %s\n", tag, l.Step, textS.Render(first)))
	}
	return out.String()
}
