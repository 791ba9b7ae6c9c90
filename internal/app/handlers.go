package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentsched/internal/scheduler"
	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

// Built-in handler names.
const (
	HandlerLog   = "log"
	HandlerSleep = "sleep"
)

// BuiltinHandlers returns the handlers every schedulerd process registers.
//
//   - log: writes the task (and metadata "message") to the log
//   - sleep: waits metadata "duration" (Go duration string or seconds)
func BuiltinHandlers(log logx.Logger) map[string]scheduler.Handler {
	log = log.With(logx.String("comp", "handlers"))
	return map[string]scheduler.Handler{
		HandlerLog: func(ctx context.Context, t task.Task) (any, error) {
			msg, _ := t.Metadata["message"].(string)
			log.Info("task says",
				logx.String("id", t.ID),
				logx.String("name", t.Name),
				logx.String("message", msg),
				logx.String("agent_id", t.AgentID()),
			)
			return map[string]any{"logged": true, "message": msg}, nil
		},
		HandlerSleep: func(ctx context.Context, t task.Task) (any, error) {
			d, err := sleepDuration(t.Metadata["duration"])
			if err != nil {
				return nil, err
			}
			tm := time.NewTimer(d)
			defer tm.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-tm.C:
			}
			return map[string]any{"slept": d.String()}, nil
		},
	}
}

func sleepDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case nil:
		return time.Second, nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("duration: %w", err)
		}
		if d < 0 {
			return 0, fmt.Errorf("duration must be >= 0")
		}
		return d, nil
	case float64:
		if x < 0 {
			return 0, fmt.Errorf("duration must be >= 0")
		}
		return time.Duration(x * float64(time.Second)), nil
	case int:
		if x < 0 {
			return 0, fmt.Errorf("duration must be >= 0")
		}
		return time.Duration(x) * time.Second, nil
	default:
		return 0, fmt.Errorf("duration: unsupported type %T", v)
	}
}
