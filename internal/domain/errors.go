package domain

import "errors"

var (
	// ErrNoSession is returned when an operation requires an active session.
	ErrNoSession = errors.New("no session selected")
	// ErrRunInFlight is returned when a run-start request is already pending for the session.
	ErrRunInFlight = errors.New("run start already in flight")
	// ErrGradingInFlight blocks a second answer submission while one is being graded.
	ErrGradingInFlight = errors.New("answer already being graded")
	// ErrRunActive refuses a new run-start while a run is still accepting answers.
	ErrRunActive = errors.New("a run is already active")
	// ErrNoActiveRun is returned when an answer arrives with no run accepting answers.
	ErrNoActiveRun = errors.New("no active run")
	// ErrEmptyAnswer rejects blank answer submissions.
	ErrEmptyAnswer = errors.New("answer text is empty")
	// ErrEmptyRun indicates generation succeeded but produced zero items.
	ErrEmptyRun = errors.New("generated run has no items")
	// ErrSessionSwitched marks a response discarded because the session changed while it was in flight.
	ErrSessionSwitched = errors.New("session switched while request in flight")
)
