package realtime

import "sync"

// Client is the outbound side of one live connection. Frames addressed to a client that has not
// been sent its load message yet are held back and released right after it.
type Client struct {
	id        string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	ready   bool
	pending [][]byte
}

func newClient(id string, bufferSize int) *Client {
	return &Client{
		id:   id,
		send: make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the connection id.
func (client *Client) ID() string {
	return client.id
}

// Outbound exposes the frames queued for the transport writer.
func (client *Client) Outbound() <-chan []byte {
	return client.send
}

// Done is closed once the client has been kicked or disconnected.
func (client *Client) Done() <-chan struct{} {
	return client.done
}

// Close stops delivery to the client.
func (client *Client) Close() {
	client.closeOnce.Do(func() {
		close(client.done)
	})
}

// reply bypasses the load gate; replies are ordered with respect to the requester's own events.
func (client *Client) reply(frame []byte) bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.enqueueLocked(frame)
}

// deliver queues a broadcast frame, holding it while the client waits for its load message.
func (client *Client) deliver(frame []byte) bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	if !client.ready {
		client.pending = append(client.pending, frame)
		return true
	}
	return client.enqueueLocked(frame)
}

// release sends the load frame followed by everything held while joining.
func (client *Client) release(loadFrame []byte) bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.ready = true
	if !client.enqueueLocked(loadFrame) {
		return false
	}
	for _, frame := range client.pending {
		if !client.enqueueLocked(frame) {
			return false
		}
	}
	client.pending = nil
	return true
}

func (client *Client) discardPending() {
	client.mu.Lock()
	client.pending = nil
	client.mu.Unlock()
}

// enqueueLocked never blocks; a client whose buffer is full is closed.
func (client *Client) enqueueLocked(frame []byte) bool {
	select {
	case <-client.done:
		return false
	default:
	}
	select {
	case client.send <- frame:
		return true
	default:
		client.Close()
		return false
	}
}
