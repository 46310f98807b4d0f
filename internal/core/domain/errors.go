package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("Room does not exist")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotTeacher          = errors.New("Only teachers can perform this action")
	ErrEditNotAllowed      = errors.New("editing not allowed")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrInvalidPayload      = errors.New("invalid payload")
)
