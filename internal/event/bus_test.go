package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribePublish(t *testing.T) {
	bus := NewBus[int]()

	var got []int
	bus.Subscribe(func(v int) { got = append(got, v) })

	bus.Publish(1)
	bus.Publish(2)

	assert.Equal(t, []int{1, 2}, got)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus[string]()

	var got []string
	off := bus.Subscribe(func(v string) { got = append(got, v) })

	bus.Publish("a")
	off()
	bus.Publish("b")

	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 0, bus.Len())
}

func TestUnsubscribeTwiceIsNoop(t *testing.T) {
	bus := NewBus[int]()

	off1 := bus.Subscribe(func(int) {})
	off2 := bus.Subscribe(func(int) {})

	off1()
	off1() // must not remove the remaining subscriber

	assert.Equal(t, 1, bus.Len())
	off2()
	assert.Equal(t, 0, bus.Len())
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	bus := NewBus[int]()

	counts := make([]int, 3)
	for i := range counts {
		i := i
		bus.Subscribe(func(int) { counts[i]++ })
	}

	bus.Publish(7)

	for i, c := range counts {
		assert.Equal(t, 1, c, "subscriber %d", i)
	}
}
