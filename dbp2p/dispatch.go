package dbp2p

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/golang/glog"
)

type EventKind string

const (
	EventCreate  EventKind = "create"
	EventUpdate  EventKind = "update"
	EventDelete  EventKind = "delete"
	EventUnknown EventKind = "unknown"
)

func ParseEventKind(eventType string) EventKind {
	switch EventKind(eventType) {
	case EventCreate, EventUpdate, EventDelete:
		return EventKind(eventType)
	default:
		return EventUnknown
	}
}

// a decoded inbound frame. Events are transient, dispatched once and dropped.
type InboundEvent struct {
	Kind EventKind
	// the `type` of the frame as sent
	Type       string
	Collection string
	DocumentId string
	// nil when the frame has no document
	Document *Document
	Raw      []byte
}

// inbound frame on the event channel
type eventFrame struct {
	Type string `json:"type"`
	// the server wraps change events as `{"type": "event", "event_type": ...}`
	EventType  string    `json:"event_type,omitempty"`
	Collection string    `json:"collection"`
	DocumentId string    `json:"document_id"`
	Document   *Document `json:"document,omitempty"`
}

// receives decoded events. Methods are called on the receive goroutine,
// one frame at a time in arrival order. A slow observer holds up the channel.
// Methods must not call `Client.Close`, `EventChannel.Close` or `Shutdown`,
// which wait for the receive goroutine to exit.
type EventObserver interface {
	OnCreate(event *InboundEvent)
	OnUpdate(event *InboundEvent)
	OnDelete(event *InboundEvent)
	// any parsed frame that is not a change event, e.g. welcome or pong
	OnUnknown(event *InboundEvent)
	// the frame was not json. `err.Raw` is the frame as received.
	OnDecodeError(err *DecodeError)
}

// an `EventObserver` from functions. Nil functions are skipped.
type ObserverFuncs struct {
	Create      func(event *InboundEvent)
	Update      func(event *InboundEvent)
	Delete      func(event *InboundEvent)
	Unknown     func(event *InboundEvent)
	DecodeError func(err *DecodeError)
}

func (self *ObserverFuncs) OnCreate(event *InboundEvent) {
	if self.Create != nil {
		self.Create(event)
	}
}

func (self *ObserverFuncs) OnUpdate(event *InboundEvent) {
	if self.Update != nil {
		self.Update(event)
	}
}

func (self *ObserverFuncs) OnDelete(event *InboundEvent) {
	if self.Delete != nil {
		self.Delete(event)
	}
}

func (self *ObserverFuncs) OnUnknown(event *InboundEvent) {
	if self.Unknown != nil {
		self.Unknown(event)
	}
}

func (self *ObserverFuncs) OnDecodeError(err *DecodeError) {
	if self.DecodeError != nil {
		self.DecodeError(err)
	}
}

type EventDispatcher struct {
	// serializes dispatch so that frame n+1 never starts before frame n returns
	mutex    sync.Mutex
	observer EventObserver
}

func NewEventDispatcher(observer EventObserver) *EventDispatcher {
	if observer == nil {
		observer = &ObserverFuncs{}
	}
	return &EventDispatcher{
		observer: observer,
	}
}

// decodes one frame and calls the observer synchronously.
// Observer panics are logged and suppressed.
func (self *EventDispatcher) Dispatch(raw []byte) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	HandleError(func() {
		self.dispatch(raw)
	})
}

func (self *EventDispatcher) dispatch(raw []byte) {
	if !json.Valid(raw) {
		err := &DecodeError{
			Raw: raw,
			Err: errors.New("frame is not json"),
		}
		glog.Infof("[cd]drop %s (%q)\n", err, truncate(raw, 64))
		self.observer.OnDecodeError(err)
		return
	}

	event := DecodeEvent(raw)
	glog.V(LogLevelTrace).Infof("[cd]%s %s/%s\n", event.Kind, event.Collection, event.DocumentId)
	switch event.Kind {
	case EventCreate:
		self.observer.OnCreate(event)
	case EventUpdate:
		self.observer.OnUpdate(event)
	case EventDelete:
		self.observer.OnDelete(event)
	default:
		self.observer.OnUnknown(event)
	}
}

// classifies a json frame. Frames that parse as json but not as an event
// (e.g. an array, or a `document` that is not an object) are unknown events.
func DecodeEvent(raw []byte) *InboundEvent {
	var frame eventFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return &InboundEvent{
			Kind: EventUnknown,
			Raw:  raw,
		}
	}

	eventType := frame.Type
	if eventType == "event" && frame.EventType != "" {
		eventType = frame.EventType
	}

	return &InboundEvent{
		Kind:       ParseEventKind(eventType),
		Type:       frame.Type,
		Collection: frame.Collection,
		DocumentId: frame.DocumentId,
		Document:   frame.Document,
		Raw:        raw,
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
