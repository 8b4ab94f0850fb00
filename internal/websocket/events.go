package websocket

// ModelEvents adapts the hub to the embedding manager's event sink.
type ModelEvents struct {
	Hub *Hub
}

func (e *ModelEvents) ModelLoaded(name string, dimensions int) {
	e.Hub.Broadcast(EventTypeModelLoaded, ModelEvent{Model: name, Action: "loaded", Dimensions: dimensions})
}

func (e *ModelEvents) ModelUnloaded(name string) {
	e.Hub.Broadcast(EventTypeModelUnloaded, ModelEvent{Model: name, Action: "unloaded"})
}

func (e *ModelEvents) ModelEvicted(name string) {
	e.Hub.Broadcast(EventTypeModelEvicted, ModelEvent{Model: name, Action: "evicted"})
}
