package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Editor state.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrNoTarget        = "E_NO_TARGET"
	ErrNotFound        = "E_NOT_FOUND"
	ErrConflict        = "E_CONFLICT"
	ErrSlotOccupied    = "E_SLOT_OCCUPIED"
	ErrInvalidState    = "E_INVALID_STATE"
	ErrInvalidMutation = "E_INVALID_MUTATION"
	ErrUnknownOpcode   = "E_UNKNOWN_OPCODE"
	ErrProjectIO       = "E_PROJECT_IO"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrNoTarget:        {},
	ErrNotFound:        {},
	ErrConflict:        {},
	ErrSlotOccupied:    {},
	ErrInvalidState:    {},
	ErrInvalidMutation: {},
	ErrUnknownOpcode:   {},
	ErrProjectIO:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
