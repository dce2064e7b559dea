package tasks

import (
	"strings"

	"github.com/basket/agentrun/internal/bus"
)

// Log line markers written by the agent loop and executors.
const (
	MarkerThoughts    = "✨ thoughts:"
	MarkerSelected    = "🛠️ selected"
	MarkerToolResult  = "🎯 Tool"
	MarkerOops        = "📝 Oops!"
	MarkerSpecialTool = "🏁 Special tool"
)

// Classify picks the step kind for a captured log line. Anything unmatched is
// KindLog. A finishing tool is reported as an action; the terminal complete
// event is only ever produced by Registry.Complete.
func Classify(text string) bus.EventKind {
	switch {
	case strings.Contains(text, MarkerThoughts):
		return bus.KindThink
	case strings.Contains(text, MarkerSelected):
		return bus.KindTool
	case strings.Contains(text, MarkerToolResult):
		return bus.KindAct
	case strings.Contains(text, MarkerOops):
		return bus.KindError
	case strings.Contains(text, MarkerSpecialTool):
		return bus.KindAct
	default:
		return bus.KindLog
	}
}

// stepEventKind is the stream event name for a step of the given kind. Error
// steps are streamed as log frames so the terminal error frame stays unique.
func stepEventKind(kind bus.EventKind) bus.EventKind {
	if kind == bus.KindError || kind == bus.KindComplete || kind == bus.KindStatus || kind == "" {
		return bus.KindLog
	}
	return kind
}
