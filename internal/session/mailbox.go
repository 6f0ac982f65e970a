// ABOUTME: Per-client FIFO mailboxes that serialize lifecycle work for one client identifier
// ABOUTME: Each non-empty mailbox is drained by exactly one goroutine; idle mailboxes are dropped

package session

import "github.com/2389/session-gateway/internal/engine"

// message is a unit of work for one client's mailbox.
type message any

// Operator requests. reply is buffered so a caller that gave up never
// blocks the drainer.
type (
	initializeMsg struct{ reply chan error }
	logoutMsg     struct{ reply chan error }
	deleteMsg     struct{ reply chan error }
	flushMsg      struct{ reply chan error }
)

// Engine callbacks, tagged with the epoch of the session they belong to.
type (
	challengeMsg struct {
		epoch   uint64
		payload string
	}
	readyMsg struct {
		epoch     uint64
		accountID string
	}
	disconnectedMsg struct {
		epoch  uint64
		reason string
	}
	inboundMsg struct {
		epoch uint64
		msg   engine.InboundMessage
	}
	// retireMsg asks a session to step down after another client took
	// over its account.
	retireMsg struct {
		epoch   uint64
		takenBy string
		account string
	}
)

type mailbox struct {
	queue []message
}

// submit appends msg to the client's mailbox, starting a drainer if the
// mailbox was idle.
func (c *Coordinator) submit(clientID string, msg message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCoordinatorClosed
	}

	if box, ok := c.boxes[clientID]; ok {
		box.queue = append(box.queue, msg)
		return nil
	}

	box := &mailbox{queue: []message{msg}}
	c.boxes[clientID] = box
	c.wg.Add(1)
	go c.drain(clientID, box)
	return nil
}

func (c *Coordinator) drain(clientID string, box *mailbox) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if len(box.queue) == 0 {
			delete(c.boxes, clientID)
			c.mu.Unlock()
			return
		}
		msg := box.queue[0]
		box.queue[0] = nil
		box.queue = box.queue[1:]
		c.mu.Unlock()

		c.handle(clientID, msg)
	}
}

// post submits a callback message. Callbacks arriving after Close are
// dropped.
func (c *Coordinator) post(clientID string, msg message) {
	if err := c.submit(clientID, msg); err != nil {
		c.logger.Debug("dropping engine callback", "client_id", clientID, "error", err)
	}
}
