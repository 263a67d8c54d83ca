package editor

import "errors"

var (
	ErrNoTarget        = errors.New("no editing target")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("block id already exists")
	ErrSlotOccupied    = errors.New("slot occupied")
	ErrInvalidState    = errors.New("invalid block state")
	ErrInvalidMutation = errors.New("invalid mutation")
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrProjectIO       = errors.New("project io")
	ErrBadRequest      = errors.New("bad request")
)
