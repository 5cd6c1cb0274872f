package ua

import (
	"fmt"
	"sync"

	"github.com/arloliu/go-uaclient/internal/util"
)

// Kind classifies a frame exchanged with the server.
type Kind uint8

// Frame kinds.
const (
	KindUnknown Kind = iota
	// KindRequest is a service request sent by the client.
	KindRequest
	// KindResponse is a service response correlated to a request by its request id.
	KindResponse
	// KindNotification is an unsolicited subscription notification.
	KindNotification
	// KindChannel is a secure channel or session control message.
	KindChannel
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	KindRequest:      "request",
	KindResponse:     "response",
	KindNotification: "notification",
	KindChannel:      "channel",
}

// String returns the name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsValid returns if k is one of the defined frame kinds.
func (k Kind) IsValid() bool { return k >= KindRequest && k <= KindChannel }

// Message is a single frame exchanged with the server.
//
// The payload is an opaque, already encoded service body; the run loop never inspects it.
type Message struct {
	Kind      Kind
	Service   ServiceType
	RequestID uint32
	Status    StatusCode
	Payload   []byte
}

var msgPool = sync.Pool{New: func() any { return new(Message) }}

var usePool = true

// UsePool enables or disables message pooling. It is intended for tests and must not be
// toggled while messages are in flight.
func UsePool(val bool) {
	usePool = val
}

// IsUsePool returns if message pooling is enabled.
func IsUsePool() bool {
	return usePool
}

// NewMessage returns a message from the pool initialised with the given fields.
//
// The payload slice is referenced, not copied.
func NewMessage(kind Kind, service ServiceType, requestID uint32, payload []byte) *Message {
	var msg *Message
	if usePool {
		msg, _ = msgPool.Get().(*Message)
	}
	if msg == nil {
		msg = &Message{}
	}

	msg.Kind = kind
	msg.Service = service
	msg.RequestID = requestID
	msg.Status = StatusGood
	msg.Payload = payload

	return msg
}

// Free releases the message back to the pool.
// After calling Free, the message should not be accessed again.
func (m *Message) Free() {
	if m == nil || !usePool {
		return
	}

	*m = Message{}
	msgPool.Put(m)
}

// Clone creates a deep copy of the message that is not owned by the pool.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := *m
	if m.Payload != nil {
		clone.Payload = util.CloneSlice(m.Payload, 0)
	}

	return &clone
}

// LogFields returns structured logging key/values describing the message,
// followed by the extra key/values.
func (m *Message) LogFields(keyValues ...any) []any {
	fields := make([]any, 0, 10+len(keyValues))
	fields = append(fields,
		"kind", m.Kind.String(),
		"service", m.Service.String(),
		"request_id", m.RequestID,
		"status", m.Status.String(),
		"payload_len", len(m.Payload),
	)

	return append(fields, keyValues...)
}
