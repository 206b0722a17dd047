package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardSocket struct{}

func (discardSocket) WriteJSON(any) error { return nil }
func (discardSocket) Close() error        { return nil }

func TestPublishToUnknownTargetLeavesNoState(t *testing.T) {
	reg := NewRegistry(nil, nil)

	for i := 0; i < 100; i++ {
		reg.PublishToActor("tester-1", TestStatusChanged{TestID: "t1", Status: "running"})
		reg.PublishToTestRoom("t1", TestStatusChanged{TestID: "t1", Status: "running"})
		reg.RoomSize("t1")
	}

	assert.Equal(t, 0, reg.actors.Count())
	assert.Equal(t, 0, reg.rooms.Count())
}

func TestUnregisterDropsEmptySets(t *testing.T) {
	reg := NewRegistry(nil, nil)
	conn := reg.Register("tester-1", discardSocket{})
	require.NoError(t, reg.JoinTestRoom(context.Background(), "t1", conn))
	require.Equal(t, 1, reg.actors.Count())
	require.Equal(t, 1, reg.rooms.Count())

	reg.Unregister(conn)

	assert.Equal(t, 0, reg.actors.Count())
	assert.Equal(t, 0, reg.rooms.Count())

	// publishing to the now-empty targets must not re-create them
	reg.PublishToActor("tester-1", TestStatusChanged{TestID: "t1", Status: "paused"})
	reg.PublishToTestRoom("t1", TestStatusChanged{TestID: "t1", Status: "paused"})
	assert.Equal(t, 0, reg.actors.Count())
	assert.Equal(t, 0, reg.rooms.Count())
}
