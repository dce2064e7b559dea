package tools

import (
	"context"
	"fmt"
	"strings"
)

// Terminate ends the agent run.
type Terminate struct{}

func (Terminate) Name() string { return "terminate" }

func (Terminate) Description() string {
	return "Finish the interaction when the request is met or cannot be completed. Input is the final status: success or failure."
}

func (Terminate) Finishes() bool { return true }

func (Terminate) Execute(_ context.Context, status string) (string, error) {
	status = strings.TrimSpace(status)
	if status == "" {
		status = "success"
	}
	return fmt.Sprintf("The interaction has been completed with status: %s", status), nil
}
