package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrSpaceFull    = errors.New("space is full")
	ErrExpired      = errors.New("expired")
	ErrNotConnected = errors.New("target user is not connected")
)
