package server

import (
	"errors"
	"log/slog"
	"sync"

	"macremote/discovery"
	"macremote/event"
	"macremote/remote"
)

// Message types streamed to control clients.
const (
	TypeServicesChanged = "services_changed"
	TypeConnecting      = "connecting"
	TypeConnected       = "connected"
	TypeDisconnected    = "disconnected"
	TypeListening       = "listening"
	TypeDataSent        = "data_sent"
	TypeDataReceived    = "data_received"
	TypeTextReceived    = "text_received"
	TypeEventReceived   = "event_received"
	TypeFailure         = "failure"
	TypeSendResult      = "send_result"
)

// Message is the JSON form of a notification.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type servicesPayload struct {
	Services []discovery.ServiceDescriptor `json:"services"`
}

type connectionPayload struct {
	Service *discovery.ServiceDescriptor `json:"service,omitempty"`
	Remote  string                       `json:"remote,omitempty"`
	Local   bool                         `json:"local,omitempty"`
	Error   string                       `json:"error,omitempty"`
}

type listeningPayload struct {
	Port     uint16 `json:"port"`
	Relisten bool   `json:"relisten"`
}

type bodyPayload struct {
	Body []byte `json:"body"`
}

type textPayload struct {
	Text string `json:"text"`
}

type errorPayload struct {
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

func newErrorPayload(err error) errorPayload {
	p := errorPayload{Error: err.Error()}
	var re *remote.Error
	if errors.As(err, &re) {
		p.Kind = re.Kind.String()
	}
	return p
}

// NewMessage converts a notification for the wire.
func NewMessage(n remote.Notification) Message {
	switch n := n.(type) {
	case remote.ServicesChanged:
		return Message{Type: TypeServicesChanged, Data: servicesPayload{Services: nonNil(n.Services)}}
	case remote.Connecting:
		return Message{Type: TypeConnecting, Data: connectionPayload{Service: &n.Service}}
	case remote.Connected:
		p := connectionPayload{Remote: addrString(n.Remote)}
		if n.Service.Name != "" {
			p.Service = &n.Service
		}
		return Message{Type: TypeConnected, Data: p}
	case remote.Disconnected:
		p := connectionPayload{Remote: addrString(n.Remote), Local: n.Local}
		if n.Err != nil {
			p.Error = n.Err.Error()
		}
		return Message{Type: TypeDisconnected, Data: p}
	case remote.Listening:
		return Message{Type: TypeListening, Data: listeningPayload{Port: n.Port, Relisten: n.Relisten}}
	case remote.DataSent:
		return Message{Type: TypeDataSent, Data: bodyPayload{Body: n.Body}}
	case remote.DataReceived:
		return Message{Type: TypeDataReceived, Data: bodyPayload{Body: n.Body}}
	case remote.TextReceived:
		return Message{Type: TypeTextReceived, Data: textPayload{Text: n.Text}}
	case remote.EventReceived:
		return Message{Type: TypeEventReceived, Data: struct {
			Event event.Event `json:"event"`
		}{n.Event}}
	case remote.Failure:
		return Message{Type: TypeFailure, Data: newErrorPayload(n.Err)}
	}
	return Message{Type: "unknown"}
}

func nonNil(list []discovery.ServiceDescriptor) []discovery.ServiceDescriptor {
	if list == nil {
		return []discovery.ServiceDescriptor{}
	}
	return list
}

// Hub fans notifications out to streaming control clients. A subscriber
// that falls behind loses messages rather than stalling delivery.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu   sync.Mutex
	subs map[chan Message]struct{}
}

// NewHub creates a Hub. Nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, buffer: 64, subs: make(map[chan Message]struct{})}
}

// Handle is a remote.Handler.
func (h *Hub) Handle(n remote.Notification) {
	msg := NewMessage(n)
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.logger.Debug("control subscriber behind, dropping message", "type", msg.Type)
		}
	}
}

// Subscribe returns a message channel and its cancel function. The
// channel is closed by cancel.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
