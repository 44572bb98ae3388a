package domain

import "errors"

var (
	ErrInvalidConversationID = errors.New("invalid conversation id")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidMessageID      = errors.New("invalid message id")
	ErrInvalidStatus         = errors.New("invalid presence status")
	ErrPresenceNotFound      = errors.New("presence not found")
	ErrSessionTornDown       = errors.New("conversation session torn down")
)
