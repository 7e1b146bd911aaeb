package orchestrator

import (
	"log/slog"
	"sync"
)

// Event types streamed while a turn runs.
const (
	EventState = "state"
	EventPlan  = "plan"
	EventTool  = "tool"
	EventChunk = "chunk"
	EventTurn  = "turn"
)

// Event is one progress notification of a turn. Data is JSON-serializable.
type Event struct {
	Data any    `json:"data"`
	Type string `json:"type"`
}

// EventCallback receives events in emission order.
type EventCallback func(Event)

// dispatcher delivers events to the callback sequentially on its own goroutine,
// so a slow consumer never runs inside tool workers.
type dispatcher struct {
	callback EventCallback
	events   chan Event
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	turnID   string
}

func newDispatcher(turnID string, callback EventCallback) *dispatcher {
	d := &dispatcher{callback: callback, turnID: turnID}
	if callback == nil {
		return d
	}
	d.events = make(chan Event, 100)
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer d.wg.Done()
	for e := range d.events {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("orchestrator: event callback panicked", "panic", r, "turn_id", d.turnID)
				}
			}()
			d.callback(e)
		}()
	}
}

func (d *dispatcher) send(eventType string, data any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.callback == nil || d.closed {
		return
	}
	d.events <- Event{Type: eventType, Data: data}
}

// close stops accepting events and waits until the delivered ones are consumed.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.callback == nil || d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.events)
	d.wg.Wait()
}
