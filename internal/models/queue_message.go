package models

import "time"

// QueueMessage is one received message from an update or wake-up queue.
// Receipt identifies this particular delivery; the message reappears after
// the visibility timeout unless the receipt is acknowledged.
type QueueMessage struct {
	ID           string    `json:"id"`
	Payload      []byte    `json:"payload"`
	Receipt      string    `json:"receipt"`
	ReceiveCount int       `json:"receiveCount"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	VisibleAt    time.Time `json:"visibleAt"`
}
