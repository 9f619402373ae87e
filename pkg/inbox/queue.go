package inbox

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MessageTypeServiceRequest tags messages created by the request_service method
const MessageTypeServiceRequest = "service_request"

// Message is one queued message. It is never mutated after being enqueued.
type Message struct {
	From      string                 `json:"from_did"`
	To        string                 `json:"to_did"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// IdentityChecker reports whether an identifier is known and verified
type IdentityChecker interface {
	Exists(did string) bool
}

// mailbox is the ordered inbox of a single identifier
type mailbox struct {
	mu       sync.Mutex
	messages []Message
}

// Queue holds one inbox per identifier. The outer lock only guards the inbox map;
// each inbox serializes its own traffic.
type Queue struct {
	mu         sync.RWMutex
	inboxes    map[string]*mailbox
	identities IdentityChecker
	logger     zerolog.Logger
	now        func() time.Time
	onEnqueue  func(Message)
}

// Option configures a Queue
type Option func(*Queue)

// WithEnqueueHook registers a callback invoked after every successful send
func WithEnqueueHook(fn func(Message)) Option {
	return func(q *Queue) {
		q.onEnqueue = fn
	}
}

// NewQueue creates a new message queue
func NewQueue(logger zerolog.Logger, opts ...Option) *Queue {
	q := &Queue{
		inboxes: make(map[string]*mailbox),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetIdentityChecker wires the registry used to validate senders and recipients.
// It must be called before the queue is shared.
func (q *Queue) SetIdentityChecker(checker IdentityChecker) {
	q.identities = checker
}

// Init creates an empty inbox for did if none exists
func (q *Queue) Init(did string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inboxes[did]; !ok {
		q.inboxes[did] = &mailbox{}
	}
}

func (q *Queue) get(did string) (*mailbox, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	box, ok := q.inboxes[did]
	return box, ok
}

func (q *Queue) getOrCreate(did string) *mailbox {
	if box, ok := q.get(did); ok {
		return box
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	box, ok := q.inboxes[did]
	if !ok {
		box = &mailbox{}
		q.inboxes[did] = box
	}
	return box
}

// Send appends a message to the recipient's inbox. It returns false, without
// enqueuing anything, unless both identifiers are known and verified.
func (q *Queue) Send(from, to, msgType string, payload map[string]interface{}) bool {
	if q.identities == nil || !q.identities.Exists(from) || !q.identities.Exists(to) {
		q.logger.Debug().
			Str("from", from).
			Str("to", to).
			Str("type", msgType).
			Msg("Message rejected: unknown sender or recipient")
		return false
	}

	msg := Message{
		From:      from,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		Timestamp: q.now(),
	}

	box := q.getOrCreate(to)
	box.mu.Lock()
	box.messages = append(box.messages, msg)
	depth := len(box.messages)
	box.mu.Unlock()

	q.logger.Debug().
		Str("from", from).
		Str("to", to).
		Str("type", msgType).
		Int("depth", depth).
		Msg("Message enqueued")

	if q.onEnqueue != nil {
		q.onEnqueue(msg)
	}
	return true
}

// Receive returns the messages queued for did, optionally only those of msgType.
// Reading is non-destructive and an unknown identifier yields an empty slice.
func (q *Queue) Receive(did, msgType string) []Message {
	box, ok := q.get(did)
	if !ok {
		return []Message{}
	}

	box.mu.Lock()
	defer box.mu.Unlock()

	out := make([]Message, 0, len(box.messages))
	for _, msg := range box.messages {
		if msgType == "" || msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

// Clear removes the messages of msgType from did's inbox, or all of them when
// msgType is empty. It returns the number of messages removed.
func (q *Queue) Clear(did, msgType string) int {
	box, ok := q.get(did)
	if !ok {
		return 0
	}

	box.mu.Lock()
	defer box.mu.Unlock()

	if msgType == "" {
		removed := len(box.messages)
		box.messages = nil
		return removed
	}

	kept := box.messages[:0:0]
	for _, msg := range box.messages {
		if msg.Type != msgType {
			kept = append(kept, msg)
		}
	}
	removed := len(box.messages) - len(kept)
	box.messages = kept
	return removed
}

// Len returns the number of messages queued for did
func (q *Queue) Len(did string) int {
	box, ok := q.get(did)
	if !ok {
		return 0
	}

	box.mu.Lock()
	defer box.mu.Unlock()
	return len(box.messages)
}
