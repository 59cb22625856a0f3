package services

import "errors"

// Ошибки уровня сервисов. Хендлеры транслируют их в HTTP-статусы.
var (
	ErrInsufficientParticipants = errors.New("tournament needs at least two participants")
	ErrInvalidTransition        = errors.New("invalid tournament status transition")
	ErrRegistrationNotOpen      = errors.New("tournament registration is not open")
	ErrAlreadyRegistered        = errors.New("participant already registered")
	ErrNotAParticipant          = errors.New("actor is not a participant of this match")
	ErrMatchNotReportable       = errors.New("match is not in a reportable state")
	ErrNoReportPending          = errors.New("no result report is pending on this match")
	ErrReportAlreadyPending     = errors.New("a result report is already pending on this match")
	ErrReportConflict           = errors.New("conflicting result report")
	ErrSelfConfirmation         = errors.New("reporting party cannot confirm its own report")
	ErrValidation               = errors.New("validation failed")
	ErrParticipantKindMismatch  = errors.New("participant kind does not match tournament team size")
	ErrBracketGeneration        = errors.New("bracket generation failed")
	ErrWizardSessionNotFound    = errors.New("wizard session not found or expired")
	ErrWizardStepMismatch       = errors.New("answer does not match the current wizard step")
)
