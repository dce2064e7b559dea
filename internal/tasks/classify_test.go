package tasks

import (
	"testing"

	"github.com/basket/agentrun/internal/bus"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want bus.EventKind
	}{
		{"✨ thoughts: I should list the directory", bus.KindThink},
		{"🛠️ selected 1 tools to use", bus.KindTool},
		{"🎯 Tool 'bash' completed its mission!", bus.KindAct},
		{"📝 Oops! The bash tool failed", bus.KindError},
		{"🏁 Special tool 'terminate' has completed the task!", bus.KindAct},
		{"Executing step 1/30", bus.KindLog},
		{"", bus.KindLog},
	}
	for _, tt := range tests {
		if got := Classify(tt.text); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		text           string
		current, total int
		ok, wantErr    bool
	}{
		{"Executing step 3/30", 3, 30, true, false},
		{"agent: Executing step 12 / 40 now", 12, 40, true, false},
		{"Executing step x/y", 0, 0, false, true},
		{"nothing here", 0, 0, false, false},
	}
	for _, tt := range tests {
		current, total, ok, err := parseProgress(tt.text)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseProgress(%q) err = %v", tt.text, err)
		}
		if ok != tt.ok || current != tt.current || total != tt.total {
			t.Errorf("parseProgress(%q) = %d, %d, %v", tt.text, current, total, ok)
		}
	}
}
