package jobs

import (
	"fmt"

	"github.com/hibiken/asynq"
)

// Registrar is satisfied by *asynq.Scheduler.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// Schedule registers the periodic expiry sweeps: stubs always, the full
// cache only when autoClear is on. It returns the scheduler entry ids.
func Schedule(s Registrar, cronspec string, autoClear bool) ([]string, error) {
	stubs := []bool{true}
	if autoClear {
		stubs = append(stubs, false)
	}

	var ids []string
	for _, stub := range stubs {
		task, err := NewSmartClearTask(stub)
		if err != nil {
			return nil, err
		}
		id, err := s.Register(cronspec, task)
		if err != nil {
			return nil, fmt.Errorf("schedule smart clear (stub=%t) at %q: %w", stub, cronspec, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
