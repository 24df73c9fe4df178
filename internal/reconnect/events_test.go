package reconnect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenersNotifiedInSubscriptionOrder(t *testing.T) {
	var l listeners
	var order []string

	l.add(ListenerFuncs{Disconnect: func(Signal) { order = append(order, "first") }})
	l.add(ListenerFuncs{Disconnect: func(Signal) { order = append(order, "second") }})

	l.disconnect(Signal{Kind: SignalError})

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestUnsubscribeRemovesListener(t *testing.T) {
	var l listeners
	calls := 0
	unsubscribe := l.add(ListenerFuncs{Reconnect: func(Transport) { calls++ }})

	assert.Equal(t, 1, l.count())
	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, l.count())

	l.reconnect(&fakeTransport{})
	assert.Zero(t, calls)
}

func TestListenerFuncsSkipsNilSlots(t *testing.T) {
	f := ListenerFuncs{}
	assert.NotPanics(t, func() {
		f.OnDisconnect(Signal{Kind: SignalEnd})
		f.OnReconnect(nil)
	})
}
