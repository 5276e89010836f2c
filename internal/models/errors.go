package models

import "errors"

// Error taxonomy shared by services and mapped to responses in the api layer.
// Absent and foreign resources both wrap ErrNotFound.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrUpstream   = errors.New("upstream failure")
	ErrStorage    = errors.New("storage failure")
)
