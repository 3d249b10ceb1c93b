package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	a := WithPrefix("bs_")
	b := WithPrefix("bs_")
	assert.True(t, strings.HasPrefix(a, "bs_"))
	assert.Len(t, a, 3+24)
	assert.NotEqual(t, a, b)
}

func TestHash_Deterministic(t *testing.T) {
	h := Hash("50.000000", "logo design", "1")
	assert.Equal(t, h, Hash("50.000000", "logo design", "1"))
	assert.NotEqual(t, h, Hash("50.000000", "logo design", "2"))
	assert.True(t, strings.HasPrefix(h, "0x"))
	assert.Len(t, h, 66)
}

func TestTxHash_DiffersByKind(t *testing.T) {
	assert.NotEqual(t, TxHash("0xabc", 3, "lock"), TxHash("0xabc", 3, "release"))
	assert.Equal(t, TxHash("0xabc", 3, "lock"), TxHash("0xabc", 3, "lock"))
}

func TestName_StableUUID(t *testing.T) {
	a := Name("evt", "7")
	assert.Equal(t, a, Name("evt", "7"))
	assert.NotEqual(t, a, Name("evt", "8"))
	assert.Len(t, a, 36)
}
