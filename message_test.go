package txbox

import (
	"bytes"
	"testing"
	"time"
)

func TestMessageOptions(t *testing.T) {
	msg := NewMessage(
		7,
		[]byte("payload"),
		WithContentType("text/plain"),
		WithAppID("billing"),
		WithProperty("trace-id", "abc"),
		WithProperty("tenant", "acme"),
		WithValue(42),
	)

	if msg.ID != 7 {
		t.Errorf("expected ID to be 7, got %v", msg.ID)
	}
	if !bytes.Equal(msg.Body, []byte("payload")) {
		t.Errorf("expected Body to be %q, got %q", "payload", msg.Body)
	}
	if msg.ContentType != "text/plain" {
		t.Errorf("expected ContentType to be text/plain, got %v", msg.ContentType)
	}
	if msg.AppID != "billing" {
		t.Errorf("expected AppID to be billing, got %v", msg.AppID)
	}
	if len(msg.Properties) != 2 || msg.Properties["trace-id"] != "abc" || msg.Properties["tenant"] != "acme" {
		t.Errorf("unexpected Properties %v", msg.Properties)
	}
	if msg.Value != 42 {
		t.Errorf("expected Value to be 42, got %v", msg.Value)
	}
}

func TestNewJSONMessage(t *testing.T) {
	type orderPlaced struct {
		OrderID string `json:"order_id"`
	}

	msg, err := NewJSONMessage(9, orderPlaced{OrderID: "o-1"}, WithContentType("application/vnd.order+json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg.Body) != `{"order_id":"o-1"}` {
		t.Errorf("unexpected body %s", msg.Body)
	}
	if msg.ContentType != "application/vnd.order+json" {
		t.Errorf("explicit content type should win, got %v", msg.ContentType)
	}
	if _, ok := msg.Value.(orderPlaced); !ok {
		t.Errorf("expected Value to keep the original type, got %T", msg.Value)
	}

	msg, err = NewJSONMessage(10, map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ContentType != "application/json" {
		t.Errorf("expected default content type, got %v", msg.ContentType)
	}

	if _, err := NewJSONMessage(11, make(chan int)); err == nil {
		t.Error("expected an error for a value that cannot be marshalled")
	}
}

func TestOutboxMessageEnvelope(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	header, err := encodeHeader(MessageHeader{
		ID:          3,
		AppID:       "shop",
		ContentType: "application/json",
		Timestamp:   ts,
		Properties:  map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row := &OutboxMessage{
		MessageID:  3,
		Exchange:   "orders",
		RoutingKey: "created",
		Header:     header,
		Body:       encodeBody([]byte{0xff, 0x00, 0x10}),
	}

	env, err := row.Envelope()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Exchange != "orders" || env.RoutingKey != "created" {
		t.Errorf("unexpected destination %s/%s", env.Exchange, env.RoutingKey)
	}
	if env.Header.ID != 3 || env.Header.AppID != "shop" || !env.Header.Timestamp.Equal(ts) {
		t.Errorf("unexpected header %+v", env.Header)
	}
	if env.Header.Properties["k"] != "v" {
		t.Errorf("expected property k=v, got %v", env.Header.Properties)
	}
	if !bytes.Equal(env.Body, []byte{0xff, 0x00, 0x10}) {
		t.Errorf("unexpected body %v", env.Body)
	}
}

func TestOutboxMessageEnvelope_Errors(t *testing.T) {
	tests := []struct {
		name string
		row  OutboxMessage
	}{
		{name: "bad header", row: OutboxMessage{MessageID: 1, Header: "{not json", Body: ""}},
		{name: "bad body", row: OutboxMessage{MessageID: 2, Body: "%%%"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.row.Envelope(); err == nil {
				t.Error("expected an error")
			}
		})
	}

	env, err := (&OutboxMessage{MessageID: 3}).Envelope()
	if err != nil {
		t.Fatalf("an empty header is allowed, got %v", err)
	}
	if env.Header.ID != 0 || len(env.Body) != 0 {
		t.Errorf("expected a zero envelope, got %+v", env)
	}
}

func TestBodyText(t *testing.T) {
	if got := bodyText([]byte(`{"a":"ü"}`)); got != `{"a":"ü"}` {
		t.Errorf("expected UTF-8 body to be kept, got %q", got)
	}
	if got := bodyText([]byte{0xff, 0xfe}); got != "" {
		t.Errorf("expected binary body to be dropped, got %q", got)
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusPending:    "pending",
		StatusProcessing: "processing",
		StatusSucceeded:  "succeeded",
		StatusFailed:     "failed",
		Status(9):        "status(9)",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}

	results := map[EnterResult]string{
		Entered:          "entered",
		AlreadyCompleted: "already_completed",
		Busy:             "busy",
		EnterResult(0):   "enter_result(0)",
	}
	for r, want := range results {
		if got := r.String(); got != want {
			t.Errorf("EnterResult(%d).String() = %q, want %q", int(r), got, want)
		}
	}
}
