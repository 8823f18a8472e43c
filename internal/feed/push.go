package feed

import (
	"context"

	"ostatus/internal/queue"
)

// PushJob is the payload of a pushin job: a delivery to one of our
// callbacks, queued as received.
type PushJob struct {
	SubscriptionID int64  `json:"subscription_id"`
	Body           string `json:"body"`
	Signature      string `json:"signature,omitempty"`
}

// Receiver checks and processes a delivery.
type Receiver interface {
	Receive(ctx context.Context, id int64, body []byte, signature string) error
}

// PushHandler returns the pushin queue handler.
func PushHandler(r Receiver) queue.Handler {
	return func(ctx context.Context, payload []byte) error {
		var job PushJob
		if err := queue.Decode(payload, &job); err != nil {
			return err
		}
		return r.Receive(ctx, job.SubscriptionID, []byte(job.Body), job.Signature)
	}
}
