package inbox

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type knownSet map[string]bool

func (k knownSet) Exists(did string) bool {
	return k[did]
}

const (
	alice = "did:walta:alice"
	bob   = "did:walta:bob"
)

func newTestQueue(opts ...Option) *Queue {
	q := NewQueue(zerolog.Nop(), opts...)
	q.SetIdentityChecker(knownSet{alice: true, bob: true})
	q.Init(alice)
	q.Init(bob)
	return q
}

func TestQueue_Send(t *testing.T) {
	t.Run("delivers to recipient inbox", func(t *testing.T) {
		q := newTestQueue()
		payload := map[string]interface{}{"service": "data_analysis", "amount": 75.0}

		ok := q.Send(alice, bob, MessageTypeServiceRequest, payload)
		require.True(t, ok)

		messages := q.Receive(bob, "")
		require.Len(t, messages, 1)
		assert.Equal(t, alice, messages[0].From)
		assert.Equal(t, bob, messages[0].To)
		assert.Equal(t, MessageTypeServiceRequest, messages[0].Type)
		assert.Equal(t, payload, messages[0].Payload)
		assert.False(t, messages[0].Timestamp.IsZero())

		assert.Empty(t, q.Receive(alice, ""))
	})

	t.Run("rejects unknown sender", func(t *testing.T) {
		q := newTestQueue()
		assert.False(t, q.Send("did:walta:ghost", bob, "ping", nil))
		assert.Empty(t, q.Receive(bob, ""))
	})

	t.Run("rejects unknown recipient", func(t *testing.T) {
		q := newTestQueue()
		assert.False(t, q.Send(alice, "did:walta:ghost", "ping", nil))
		assert.Empty(t, q.Receive("did:walta:ghost", ""))
	})

	t.Run("rejects everything without identity checker", func(t *testing.T) {
		q := NewQueue(zerolog.Nop())
		assert.False(t, q.Send(alice, bob, "ping", nil))
	})

	t.Run("invokes enqueue hook", func(t *testing.T) {
		var seen []Message
		q := newTestQueue(WithEnqueueHook(func(m Message) { seen = append(seen, m) }))

		require.True(t, q.Send(alice, bob, "ping", nil))
		require.Len(t, seen, 1)
		assert.Equal(t, "ping", seen[0].Type)
	})
}

func TestQueue_Receive(t *testing.T) {
	t.Run("unknown identifier yields empty slice", func(t *testing.T) {
		q := newTestQueue()
		messages := q.Receive("did:walta:nobody", "")
		assert.NotNil(t, messages)
		assert.Empty(t, messages)
	})

	t.Run("is idempotent until cleared", func(t *testing.T) {
		q := newTestQueue()
		require.True(t, q.Send(alice, bob, "ping", map[string]interface{}{"n": 1}))

		first := q.Receive(bob, "")
		second := q.Receive(bob, "")
		assert.Equal(t, first, second)
		assert.Len(t, second, 1)
	})

	t.Run("filters by type preserving order", func(t *testing.T) {
		q := newTestQueue()
		for i := 0; i < 3; i++ {
			require.True(t, q.Send(alice, bob, "ping", map[string]interface{}{"n": i}))
			require.True(t, q.Send(alice, bob, MessageTypeServiceRequest, map[string]interface{}{"n": i}))
		}

		requests := q.Receive(bob, MessageTypeServiceRequest)
		require.Len(t, requests, 3)
		for i, msg := range requests {
			assert.Equal(t, MessageTypeServiceRequest, msg.Type)
			assert.Equal(t, i, msg.Payload["n"])
		}
		assert.Len(t, q.Receive(bob, ""), 6)
	})

	t.Run("returned slice does not alias the inbox", func(t *testing.T) {
		q := newTestQueue()
		require.True(t, q.Send(alice, bob, "ping", nil))

		messages := q.Receive(bob, "")
		messages[0].Type = "tampered"

		assert.Equal(t, "ping", q.Receive(bob, "")[0].Type)
	})
}

func TestQueue_Clear(t *testing.T) {
	t.Run("removes only the given type", func(t *testing.T) {
		q := newTestQueue()
		require.True(t, q.Send(alice, bob, "ping", nil))
		require.True(t, q.Send(alice, bob, MessageTypeServiceRequest, nil))
		require.True(t, q.Send(alice, bob, "ping", nil))

		removed := q.Clear(bob, MessageTypeServiceRequest)
		assert.Equal(t, 1, removed)

		remaining := q.Receive(bob, "")
		require.Len(t, remaining, 2)
		for _, msg := range remaining {
			assert.Equal(t, "ping", msg.Type)
		}
		assert.Empty(t, q.Receive(bob, MessageTypeServiceRequest))
	})

	t.Run("removes everything without filter", func(t *testing.T) {
		q := newTestQueue()
		require.True(t, q.Send(alice, bob, "ping", nil))
		require.True(t, q.Send(alice, bob, "pong", nil))

		assert.Equal(t, 2, q.Clear(bob, ""))
		assert.Empty(t, q.Receive(bob, ""))
		assert.Equal(t, 0, q.Len(bob))
	})

	t.Run("unknown identifier is a no-op", func(t *testing.T) {
		q := newTestQueue()
		assert.Equal(t, 0, q.Clear("did:walta:nobody", ""))
	})
}

func TestQueue_ConcurrentSend(t *testing.T) {
	q := newTestQueue()

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if !q.Send(alice, bob, fmt.Sprintf("w%d", w), nil) {
					t.Errorf("send failed")
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, q.Len(bob))
	assert.Len(t, q.Receive(bob, "w3"), perWorker)
}
