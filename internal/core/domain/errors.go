package domain

import "errors"

var (
	ErrStageNotFound       = errors.New("stage not found")
	ErrWrongPassword       = errors.New("wrong stage password")
	ErrInvalidToken        = errors.New("invalid identity token")
	ErrExpiredToken        = errors.New("identity token expired")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrTransportNotFound   = errors.New("transport not found")
	ErrProducerNotFound    = errors.New("producer not found")
	ErrConsumerNotFound    = errors.New("consumer not found")
	ErrNotConnected        = errors.New("transport not connected")
	ErrEngine              = errors.New("media engine failure")
	ErrAlreadyInStage      = errors.New("already attached to a stage")
	ErrRequestTimeout      = errors.New("request timed out")
	ErrChannelClosed       = errors.New("channel closed")
)
