package txbox

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Status is the lifecycle state of an outbox row or an inbox barrier row.
type Status int

// Row statuses. The numeric values are persisted.
const (
	StatusPending Status = iota
	StatusProcessing
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MessageHeader is the envelope stored next to every outbox message and copied into
// inbox barrier rows for audit.
type MessageHeader struct {
	ID          int64             `json:"id"`
	AppID       string            `json:"app_id,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Message is what callers hand to the Registrar.
type Message struct {
	// ID must be unique across the outbox table, e.g. a snowflake id.
	ID int64

	// Body is the serialized payload.
	Body []byte

	// ContentType describes Body, e.g. "application/json".
	ContentType string

	// AppID identifies the producing application. Defaults to the Registrar's app id.
	AppID string

	// Properties are broker specific headers forwarded with the message.
	Properties map[string]string

	// Value is the payload before serialization. RegisterAuto resolves the destination
	// from it when it implements Routable.
	Value any
}

// MessageOption is a function that can be used to configure a Message.
type MessageOption func(*Message)

// WithContentType sets the content type of the message body.
func WithContentType(contentType string) MessageOption {
	return func(m *Message) {
		m.ContentType = contentType
	}
}

// WithAppID sets the producing application id.
func WithAppID(appID string) MessageOption {
	return func(m *Message) {
		m.AppID = appID
	}
}

// WithProperty adds a broker header to the message.
func WithProperty(key, value string) MessageOption {
	return func(m *Message) {
		if m.Properties == nil {
			m.Properties = make(map[string]string)
		}
		m.Properties[key] = value
	}
}

// WithValue attaches the unserialized payload used for route resolution.
func WithValue(v any) MessageOption {
	return func(m *Message) {
		m.Value = v
	}
}

// NewMessage creates a new Message with the given id and body.
func NewMessage(id int64, body []byte, opts ...MessageOption) *Message {
	m := &Message{
		ID:   id,
		Body: body,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// NewJSONMessage serializes v as JSON and creates a Message carrying it.
// v is kept as the message value so RegisterAuto can route it.
func NewJSONMessage(id int64, v any, opts ...MessageOption) (*Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling message %d: %w", id, err)
	}

	opts = append([]MessageOption{WithContentType("application/json"), WithValue(v)}, opts...)
	return NewMessage(id, body, opts...), nil
}

// Routable is implemented by message values that know their own destination.
type Routable interface {
	Route() (exchange string, routingKey string)
}

// OutboxMessage mirrors a row of the outbox table.
type OutboxMessage struct {
	MessageID  int64
	Exchange   string
	RoutingKey string

	// Header is the serialized MessageHeader.
	Header string

	// Body is the base64 encoded payload.
	Body string

	// Text is an optional human readable copy of the payload.
	Text string

	Status        Status
	RetryCount    int
	NextRetryTime time.Time
	LockID        string
	LockTime      time.Time
	LastError     string
	CreateTime    time.Time
	UpdateTime    time.Time
}

// Envelope decodes the stored header and body into what a MessagePublisher receives.
func (m *OutboxMessage) Envelope() (*Envelope, error) {
	header, err := decodeHeader(m.Header)
	if err != nil {
		return nil, fmt.Errorf("decoding header of message %d: %w", m.MessageID, err)
	}
	body, err := decodeBody(m.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding body of message %d: %w", m.MessageID, err)
	}

	return &Envelope{
		Exchange:   m.Exchange,
		RoutingKey: m.RoutingKey,
		Header:     header,
		Body:       body,
	}, nil
}

// InboxBarrier mirrors a row of the inbox barrier table.
type InboxBarrier struct {
	ConsumerName string
	MessageID    int64
	Exchange     string
	RoutingKey   string
	Header       string
	Status       Status
	LockID       string
	LockTime     time.Time
	LastError    string
	CreateTime   time.Time
	UpdateTime   time.Time
}

// Envelope is a message ready to be sent to a broker.
type Envelope struct {
	Exchange   string
	RoutingKey string
	Header     MessageHeader
	Body       []byte
}

// Delivery describes a consumed message presented to the Barrier.
type Delivery struct {
	MessageID  int64
	Exchange   string
	RoutingKey string
	Header     MessageHeader
}
