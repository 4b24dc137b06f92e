package protocol

import (
	"errors"
	"fmt"
	"testing"

	"chunkstream.ai/internal/sim/encoding"
	"chunkstream.ai/internal/space"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrProtoVersion,
		ErrBadRegion,
		ErrBadPayload,
		ErrTooLarge,
		ErrEncoding,
		ErrNotSubscribed,
		ErrRateLimit,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", ErrCuboidTooLarge), ErrTooLarge},
		{fmt.Errorf("x: %w", encoding.ErrPayload), ErrBadPayload},
		{fmt.Errorf("x: %w", space.ErrDimensionMismatch), ErrBadRegion},
		{ErrMalformed, ErrProtoBadRequest},
		{ErrSubscriptionState, ErrNotSubscribed},
		{errors.New("disk on fire"), ErrInternal},
	}
	for _, tc := range cases {
		got := CodeFor(tc.err)
		if got != tc.want {
			t.Fatalf("CodeFor(%v) = %q, want %q", tc.err, got, tc.want)
		}
		if !IsKnownCode(got) {
			t.Fatalf("CodeFor(%v) returned unknown code %q", tc.err, got)
		}
	}
}
