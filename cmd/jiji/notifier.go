package main

// Observer is called synchronously after every applied event. It runs on
// the daemon loop and must not block.
type Observer func(snap *Snapshot)

// Notifier fans "mirror changed" out to registered observers.
// It is owned by the daemon loop and is not safe for concurrent use.
type Notifier struct {
	nextID    uint64
	observers map[uint64]Observer
}

// NewNotifier returns a notifier with no observers.
func NewNotifier() *Notifier {
	return &Notifier{observers: make(map[uint64]Observer)}
}

// Subscription is the handle returned by Subscribe. The owner must call
// Release when it goes away.
type Subscription struct {
	n  *Notifier
	id uint64
}

// Subscribe registers fn.
func (n *Notifier) Subscribe(fn Observer) *Subscription {
	n.nextID++
	n.observers[n.nextID] = fn
	return &Subscription{n: n, id: n.nextID}
}

// Release unregisters the observer. Calling it more than once is a no-op.
func (s *Subscription) Release() {
	if s == nil || s.n == nil {
		return
	}
	delete(s.n.observers, s.id)
	s.n = nil
}

// Len returns the number of registered observers.
func (n *Notifier) Len() int { return len(n.observers) }

// Notify invokes every observer with snap. Order is unspecified.
func (n *Notifier) Notify(snap *Snapshot) {
	for _, fn := range n.observers {
		fn(snap)
	}
}
