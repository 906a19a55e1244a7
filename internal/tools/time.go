package tools

import (
	"context"
	"fmt"
	"time"
)

// GetTimeTool reports the current time, optionally in a named zone.
type GetTimeTool struct {
	now func() time.Time
}

func NewGetTimeTool() *GetTimeTool {
	return &GetTimeTool{now: time.Now}
}

func (t *GetTimeTool) Name() string        { return "get_time" }
func (t *GetTimeTool) Description() string { return "Get the current date and time." }

func (t *GetTimeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": `IANA timezone name such as "Europe/Berlin". Defaults to the server's local zone.`,
			},
		},
	}
}

func (t *GetTimeTool) Execute(ctx context.Context, args map[string]any) *Result {
	now := t.now()
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return NewResult(fmt.Sprintf("Current time: %s", now.Format("Monday, 2 January 2006 15:04:05 MST")))
}
