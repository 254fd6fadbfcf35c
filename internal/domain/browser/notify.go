package browser

// EventKind discriminates the change notifications a collection or view
// emits to its observers.
type EventKind int

const (
	// EventRowsAdded: rows [First,Last] were appended or inserted.
	EventRowsAdded EventKind = iota
	// EventRowsRemoved: rows [First,Last] were removed; indices refer to
	// positions before the removal.
	EventRowsRemoved
	// EventRowsChanged: attributes of rows [First,Last] changed; Fields
	// lists which ones when known.
	EventRowsChanged
	// EventReset: the whole collection or view must be re-read.
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventRowsAdded:
		return "rows-added"
	case EventRowsRemoved:
		return "rows-removed"
	case EventRowsChanged:
		return "rows-changed"
	default:
		return "reset"
	}
}

// Event is one batched change notification. Refresh passes emit contiguous
// ranges rather than one event per row.
type Event struct {
	Kind   EventKind
	First  int
	Last   int
	Fields []Field
}

type listener struct {
	id int
	fn func(Event)
}

// notifier is the observer list embedded in every collection and view.
// Dispatch is synchronous on the caller's goroutine, in subscription order.
type notifier struct {
	nextID    int
	listeners []listener
}

// Subscribe registers fn and returns its unsubscribe function.
func (n *notifier) Subscribe(fn func(Event)) func() {
	n.nextID++
	id := n.nextID
	n.listeners = append(n.listeners, listener{id: id, fn: fn})
	return func() {
		for i, l := range n.listeners {
			if l.id == id {
				n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
				return
			}
		}
	}
}

func (n *notifier) emit(e Event) {
	// Copy: a listener may unsubscribe (itself or others) during dispatch.
	snapshot := make([]listener, len(n.listeners))
	copy(snapshot, n.listeners)
	for _, l := range snapshot {
		l.fn(e)
	}
}

func (n *notifier) emitAdded(first, last int) {
	n.emit(Event{Kind: EventRowsAdded, First: first, Last: last})
}

func (n *notifier) emitRemoved(first, last int) {
	n.emit(Event{Kind: EventRowsRemoved, First: first, Last: last})
}

func (n *notifier) emitChanged(first, last int, fields ...Field) {
	n.emit(Event{Kind: EventRowsChanged, First: first, Last: last, Fields: fields})
}

func (n *notifier) emitReset() {
	n.emit(Event{Kind: EventReset, First: -1, Last: -1})
}

// changeSpan accumulates the index range touched during a refresh pass so a
// single EventRowsChanged can cover it.
type changeSpan struct {
	first, last int
	any         bool
}

func newChangeSpan() changeSpan { return changeSpan{first: -1, last: -1} }

func (s *changeSpan) add(i int) {
	if !s.any {
		s.first, s.last, s.any = i, i, true
		return
	}
	if i < s.first {
		s.first = i
	}
	if i > s.last {
		s.last = i
	}
}
