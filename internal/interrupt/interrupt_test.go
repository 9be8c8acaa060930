package interrupt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendNeverBlocks(t *testing.T) {
	c := NewChannel()

	assert.True(t, c.Send(Info{MsgID: 7}))
	for i := 0; i < 100; i++ {
		assert.False(t, c.Send(Info{ProbeNetwork: true}))
	}

	got := <-c.C()
	assert.Equal(t, Info{MsgID: 7}, got, "first value wins")

	select {
	case v := <-c.C():
		t.Fatalf("unexpected second value %+v", v)
	default:
	}
}

func TestDrain(t *testing.T) {
	c := NewChannel()
	c.Drain()

	c.Send(Info{ProbeNetwork: true})
	c.Drain()
	assert.True(t, c.Send(Info{}))
}
