package domain

import "errors"

var (
	ErrInvalidSequence = errors.New("invalid sequence")
	ErrIndexBuild      = errors.New("index build failed")
	ErrPortExhausted   = errors.New("no free port")
	ErrConnection      = errors.New("cannot reach server")
	ErrQueryTimeout    = errors.New("query timed out")
	ErrProtocol        = errors.New("protocol error")
	ErrIndexFormat     = errors.New("unreadable index file")
	ErrServerStopping  = errors.New("server stopping")
	ErrNotReady        = errors.New("server not ready")
)
