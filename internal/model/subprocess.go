package model

import (
	"io"
	"time"
)

// CleanupState tracks the exclusive lifecycle of a SubprocessHandle: at most
// one of Running, Reaped, Dropped holds at any time.
type CleanupState int

const (
	Running CleanupState = iota
	Reaped
	Dropped
)

func (s CleanupState) String() string {
	switch s {
	case Running:
		return "running"
	case Reaped:
		return "reaped"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SubprocessHandle is the supervisor's exclusive record of one spawned
// child. Callers never touch the child's pipes directly; they go through
// the supervisor's Await/ReapAllCompleted operations.
type SubprocessHandle struct {
	ChildPID  int
	Argv      []string
	Stdin     io.WriteCloser
	Stdout    io.ReadCloser
	Stderr    io.ReadCloser
	StartTime time.Time
	State     CleanupState
}
