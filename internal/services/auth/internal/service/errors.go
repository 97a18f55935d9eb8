package service

import "errors"

var (
	ErrIdentityConflict    = errors.New("identity conflict")
	ErrInactive            = errors.New("account is inactive")
	ErrInsufficientCredits = errors.New("insufficient credits")
)
