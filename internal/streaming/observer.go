package streaming

// Observer is notified of session lifecycle and traffic. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	StateChanged(sessionID string, from, to State)
	ChunkQueued(sessionID string, size int)
	ChunkRejected(sessionID string, size int)
	ChunkSent(sessionID string, size int)
	ConnectFailed(sessionID string, err error)
	EventReceived(sessionID string, ev Event)
}

// observers fans out to several observers.
type observers []Observer

func (o observers) StateChanged(id string, from, to State) {
	for _, x := range o {
		x.StateChanged(id, from, to)
	}
}

func (o observers) ChunkQueued(id string, size int) {
	for _, x := range o {
		x.ChunkQueued(id, size)
	}
}

func (o observers) ChunkRejected(id string, size int) {
	for _, x := range o {
		x.ChunkRejected(id, size)
	}
}

func (o observers) ChunkSent(id string, size int) {
	for _, x := range o {
		x.ChunkSent(id, size)
	}
}

func (o observers) ConnectFailed(id string, err error) {
	for _, x := range o {
		x.ConnectFailed(id, err)
	}
}

func (o observers) EventReceived(id string, ev Event) {
	for _, x := range o {
		x.EventReceived(id, ev)
	}
}
