package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskSmartClear = "cache:smart_clear"
	TaskAction     = "cache:action"
	TaskPostSaved  = "cache:post_saved"

	// QueueCache is the only queue; cache tasks run one at a time.
	QueueCache = "cache"
)

type SmartClearPayload struct {
	Stub bool `json:"stub"`
}

type ActionPayload struct {
	Action string `json:"action"`
	Arg    string `json:"arg,omitempty"`
}

// PostSavedPayload names a saved post. SiteID 0 is the current site.
type PostSavedPayload struct {
	SiteID int64 `json:"site_id,omitempty"`
	PostID int64 `json:"post_id"`
}

func NewSmartClearTask(stub bool) (*asynq.Task, error) {
	return newTask(TaskSmartClear, SmartClearPayload{Stub: stub}, asynq.MaxRetry(1), asynq.Timeout(10*time.Minute))
}

func NewActionTask(action, arg string) (*asynq.Task, error) {
	return newTask(TaskAction, ActionPayload{Action: action, Arg: arg}, asynq.MaxRetry(3), asynq.Timeout(10*time.Minute))
}

func NewPostSavedTask(siteID, postID int64) (*asynq.Task, error) {
	return newTask(TaskPostSaved, PostSavedPayload{SiteID: siteID, PostID: postID}, asynq.MaxRetry(5), asynq.Timeout(time.Minute))
}

func newTask(typ string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, b, append(opts, asynq.Queue(QueueCache))...), nil
}
