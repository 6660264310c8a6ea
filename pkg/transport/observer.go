package transport

import "time"

// Observer receives transport telemetry. Implementations must be fast and
// must not call back into the Socket.
type Observer interface {
	StateChanged(state State)
	ReconnectScheduled(attempt int, delay time.Duration)
	ReconnectFailed()
	MessageSent(acknowledged bool)
	MessageDropped()
	MessageReceived(messageType string)
	AcksPending(n int)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State) {}
func (nopObserver) ReconnectScheduled(int, time.Duration) {}
func (nopObserver) ReconnectFailed() {}
func (nopObserver) MessageSent(bool) {}
func (nopObserver) MessageDropped() {}
func (nopObserver) MessageReceived(string) {}
func (nopObserver) AcksPending(int) {}
