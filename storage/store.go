package storage

import "loom/model"

// Store persists chat transcripts. Implementations must tolerate concurrent
// use from the turn loop and the UI goroutine.
type Store interface {
	AddMessage(chatID string, msg *model.Message) error
	UpdateMessage(msg *model.Message) error
	GetMessages(chatID string) ([]model.Message, error)
	DeleteMessage(id string) error
	Close() error
}
