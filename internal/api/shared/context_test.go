package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAndGetTraceID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))

	withTrace := SetTraceID(ctx)
	traceID := GetTraceID(withTrace)
	assert.Len(t, traceID, 2*TraceIDLength)
	assert.True(t, ValidTraceID(traceID))

	assert.Empty(t, GetTraceID(ctx), "parent context must be unchanged")
	assert.NotEqual(t, traceID, GetTraceID(SetTraceID(ctx)))
}

func TestGetTraceID_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), TraceIDKey, 123)
	assert.Empty(t, GetTraceID(ctx))
}

func TestWithTraceID(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		reused bool
	}{
		{"hex id", "4bf92f3577b34da6a3ce929d0e0e4736", true},
		{"uuid", "0b6c1a4e-9d1f-4c47-8d3b-3f0f6c1f7a21", true},
		{"empty", "", false},
		{"too short", "abc", false},
		{"header injection", "abcdefgh\r\nSet-Cookie: x", false},
		{"log injection", "abcdefgh\" level=ERROR", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := GetTraceID(WithTraceID(context.Background(), tc.id))
			if tc.reused {
				assert.Equal(t, tc.id, got)
			} else {
				assert.NotEqual(t, tc.id, got)
				assert.Len(t, got, 2*TraceIDLength)
			}
		})
	}
}
