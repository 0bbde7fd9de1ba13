package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCQ_Vectors(t *testing.T) {
	tests := []struct {
		name string
		salt string
		mac  string
		vid  string
		want string
	}{
		{"vector1", "abc123def456789a", "112233445566", "HMG-50", "LV9VDVC0S03VDVlVTVTVK0q0"},
		{"vector2", "fedcba9876543210", "aabbccddeeff", "HMG-50", "HVe0ZVW0Y0jVBVRVC0DVC0pV"},
		{"vector3", "1234567890abcdef", "001122334455", "HMG-50", "C0q0a0w03VdVZVhVc0lVlVE0"},
		{"vector4", "sample123456782d", "aabbccdd1234", "HMG-50", "I0a0i03VRVO0w09Vk0BV80g0"},
		{"mac too short", "abc", "abc", "X", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CQ(tt.salt, tt.mac, tt.vid)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCQ_Deterministic(t *testing.T) {
	first := CQ("abc123def456789a", "112233445566", "HMG-50")
	second := CQ("abc123def456789a", "112233445566", "HMG-50")

	require.Equal(t, first, second)
	assert.LessOrEqual(t, len(first), 24)
}
