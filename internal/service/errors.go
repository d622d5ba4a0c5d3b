package service

import "errors"

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrInvalidRoomID  = errors.New("invalid room id")
	ErrNotInRoom      = errors.New("participant is not in room")
	ErrInvalidCanvas  = errors.New("invalid canvas state")
	ErrInvalidAction  = errors.New("invalid history action")
	ErrInternalServer = errors.New("internal server error")
)
