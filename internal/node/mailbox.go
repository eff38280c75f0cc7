package node

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
)

const MailboxDepth = 8

var (
	ErrMailboxFull   = errors.New("mailbox full")
	ErrMailboxClosed = errors.New("mailbox closed")
)

type MessageKind uint8

const (
	MessageInvalid MessageKind = iota
	MessageSyncRequest
	MessageLogFrame
)

// Message is delivered to the network owner unit.
// Text is only meaningful for MessageLogFrame.
type Message struct {
	Kind MessageKind
	Text string
}

func SyncRequest() Message         { return Message{Kind: MessageSyncRequest} }
func LogFrame(text string) Message { return Message{Kind: MessageLogFrame, Text: text} }

func (m Message) String() string {
	switch m.Kind {
	case MessageSyncRequest:
		return "SyncRequest"
	case MessageLogFrame:
		return fmt.Sprintf("LogFrame(%q)", m.Text)
	}
	return fmt.Sprintf("Message(kind=%d)", m.Kind)
}

// Mailbox is a bounded multi-producer queue with single consumer.
// Send never blocks.
type Mailbox struct {
	mu     sync.RWMutex
	ch     chan Message
	closed bool
}

func NewMailbox(depth int) *Mailbox {
	if depth <= 0 {
		depth = MailboxDepth
	}
	return &Mailbox{ch: make(chan Message, depth)}
}

func (m *Mailbox) Send(msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMailboxClosed
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Close is idempotent. Queued messages stay readable from C.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

func (m *Mailbox) C() <-chan Message { return m.ch }
func (m *Mailbox) Len() int          { return len(m.ch) }
