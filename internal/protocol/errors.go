package protocol

import (
	"errors"

	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/space"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Region and payload validation.
	ErrBadRegion  = "E_BAD_REGION"
	ErrBadPayload = "E_BAD_PAYLOAD"
	ErrTooLarge   = "E_TOO_LARGE"
	ErrEncoding   = "E_ENCODING"

	// Authority state.
	ErrNotSubscribed = "E_NOT_SUBSCRIBED"
	ErrRateLimit     = "E_RATE_LIMIT"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBadRegion:       {},
	ErrBadPayload:      {},
	ErrTooLarge:        {},
	ErrEncoding:        {},
	ErrNotSubscribed:   {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Sentinel errors raised while decoding wire messages.
var (
	ErrMalformed         = errors.New("malformed message")
	ErrCuboidTooLarge    = errors.New("cuboid too large")
	ErrUnknownEncoding   = errors.New("unsupported block encoding")
	ErrSubscriptionState = errors.New("region not subscribed")
)

// CodeFor maps an error to the wire code reported in ACK and ERROR messages.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCuboidTooLarge),
		errors.Is(err, space.ErrRegionTooLarge):
		return ErrTooLarge
	case errors.Is(err, ErrUnknownEncoding):
		return ErrEncoding
	case errors.Is(err, ErrSubscriptionState):
		return ErrNotSubscribed
	case errors.Is(err, encoding.ErrPayload):
		return ErrBadPayload
	case errors.Is(err, space.ErrDimensionMismatch),
		errors.Is(err, space.ErrTooManyDims),
		errors.Is(err, space.ErrNotContained):
		return ErrBadRegion
	case errors.Is(err, ErrMalformed):
		return ErrProtoBadRequest
	default:
		return ErrInternal
	}
}
