package cryptox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksum_Deterministic(t *testing.T) {
	a := Checksum([]byte(`{"projects":{}}`))
	b := Checksum([]byte(`{"projects":{}}`))

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("snapshot")
	sum := Checksum(data)

	assert.True(t, VerifyChecksum(data, sum))
	assert.False(t, VerifyChecksum([]byte("snapshoT"), sum))
	assert.False(t, VerifyChecksum(data, ""))
}
