package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRoomIDBoundary(t *testing.T) {
	assert.NoError(t, ValidateRoomID("abcd"))
	assert.Error(t, ValidateRoomID("abc"))
}

func TestValidateRoomIDCharset(t *testing.T) {
	assert.NoError(t, ValidateRoomID("room-abc_123"))
	assert.Error(t, ValidateRoomID("room abc"))
	assert.Error(t, ValidateRoomID("room@abc"))
}

func TestRoomTopic(t *testing.T) {
	assert.Equal(t, "p2p-conf/room-abc", RoomTopic("room-abc"))
}
