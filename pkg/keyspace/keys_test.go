package keyspace

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashTag(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"{session:abc}:turns", "session:abc"},
		{"{mas}:lifecycle", "mas"},
		{"no-tag-key", "no-tag-key"},
		{"{}:empty-tag", "{}:empty-tag"},
		{"{unclosed:tag", "{unclosed:tag"},
		{"{a}{b}", "a"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HashTag(tt.key), "key %q", tt.key)
	}
}

// Known CRC16-XMODEM vector from the Redis cluster spec: "123456789" → 0x31C3.
func TestCRC16KnownVector(t *testing.T) {
	assert.Equal(t, uint16(0x31C3), crc16([]byte("123456789")))
	assert.Equal(t, uint16(0x31C3)%slotCount, Slot("{123456789}:x"))
}

// All keys of one session must land in a single cluster slot — that is the
// property the atomic multi-key scripts depend on.
func TestSessionKeysShareOneSlot(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		sessionID := fmt.Sprintf("full:sess-%d-%d", i, rng.Int63())

		keys := SessionKeys(sessionID)
		keys = append(keys, AgentState(sessionID, "agent-7"))
		require.NotEmpty(t, keys)

		want := Slot(keys[0])
		for _, k := range keys[1:] {
			assert.Equal(t, want, Slot(k), "key %q escaped the session slot", k)
		}
	}
}

func TestGlobalKeysShareMasSlot(t *testing.T) {
	assert.Equal(t, Slot(LifecycleStream), Slot(GraphRepairSet))
}
