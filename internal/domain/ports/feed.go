package ports

// RelayFeed fans relay lifecycle events out to live subscribers.
type RelayFeed interface {
	Broadcast(msgType string, data any)
}
