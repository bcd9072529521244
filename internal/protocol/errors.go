package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// World routing/state.
	ErrWorldNotFound = "E_WORLD_NOT_FOUND"
	ErrWorldInactive = "E_WORLD_INACTIVE"

	// Input layer.
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrUnknownHandler = "E_UNKNOWN_HANDLER"
	ErrNotFound       = "E_NOT_FOUND"
	ErrRateLimit      = "E_RATE_LIMIT"
	ErrTimeout        = "E_TIMEOUT"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrWorldNotFound:   {},
	ErrWorldInactive:   {},
	ErrBadRequest:      {},
	ErrUnknownHandler:  {},
	ErrNotFound:        {},
	ErrRateLimit:       {},
	ErrTimeout:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
