package jsdo

import "sync"

// Event names.
const (
	EventBeforeFill        = "beforeFill"
	EventAfterFill         = "afterFill"
	EventBeforeSaveChanges = "beforeSaveChanges"
	EventAfterSaveChanges  = "afterSaveChanges"
	EventBeforeCreate      = "beforeCreate"
	EventAfterCreate       = "afterCreate"
	EventBeforeUpdate      = "beforeUpdate"
	EventAfterUpdate       = "afterUpdate"
	EventBeforeDelete      = "beforeDelete"
	EventAfterDelete       = "afterDelete"
	EventBeforeSubmit      = "beforeSubmit"
	EventAfterSubmit       = "afterSubmit"
	EventAfterInvoke       = "afterInvoke"
)

// Event is passed to handlers. Fields not relevant to the event are zero.
type Event struct {
	Name    string
	JSDO    *JSDO
	Table   *Table
	Record  *Record
	Success bool
	Err     error
	// Result is set for afterSaveChanges.
	Result *SaveResult
	// Response is the decoded body for afterInvoke and a successful afterFill.
	Response any
}

// Handler receives events.
type Handler func(ev *Event)

// Subscription identifies a handler for Unsubscribe.
type Subscription struct {
	name string
	id   uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Events is an event bus embedded in JSDO and Table. The zero value is ready
// to use.
type Events struct {
	mu       sync.Mutex
	next     uint64
	handlers map[string][]subscriber
}

// Subscribe registers fn for the named event.
func (e *Events) Subscribe(name string, fn Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[string][]subscriber)
	}
	e.next++
	e.handlers[name] = append(e.handlers[name], subscriber{id: e.next, fn: fn})
	return Subscription{name: name, id: e.next}
}

// Unsubscribe removes a handler. It reports whether the handler was found.
func (e *Events) Unsubscribe(s Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.handlers[s.name]
	for i := range subs {
		if subs[i].id == s.id {
			e.handlers[s.name] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Trigger calls every handler of ev.Name in subscription order. Handlers may
// subscribe or unsubscribe while being called.
func (e *Events) Trigger(ev *Event) {
	e.mu.Lock()
	subs := append([]subscriber(nil), e.handlers[ev.Name]...)
	e.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

// HasSubscribers reports whether any handler is registered for name.
func (e *Events) HasSubscribers(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[name]) != 0
}
