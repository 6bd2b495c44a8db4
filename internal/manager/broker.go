package manager

import "sync"

// subscriberBufferSize is the channel buffer for each output subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// OutputLine is one line of command output from a context.
type OutputLine struct {
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// OutputBroker fans command output out to per-context subscribers. It is
// safe for concurrent use.
//
// A topic exists only while it has subscribers. The broker does not know
// which contexts are live; Manager.SubscribeOutput checks that before
// subscribing.
type OutputBroker struct {
	mu     sync.Mutex
	topics map[string]*outputTopic
}

type outputTopic struct {
	subs   map[int]chan OutputLine
	nextID int
}

// NewOutputBroker creates an empty broker.
func NewOutputBroker() *OutputBroker {
	return &OutputBroker{
		topics: make(map[string]*outputTopic),
	}
}

// Subscribe returns a channel receiving output lines for contextID and an
// unsubscribe function. The channel is closed by Close or by unsubscribing.
func (b *OutputBroker) Subscribe(contextID string) (<-chan OutputLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[contextID]
	if !ok {
		t = &outputTopic{subs: make(map[int]chan OutputLine)}
		b.topics[contextID] = t
	}

	ch := make(chan OutputLine, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		close(ch)
		if len(t.subs) == 0 && b.topics[contextID] == t {
			delete(b.topics, contextID)
		}
	}
}

// Publish sends a line to every subscriber of contextID, dropping it for
// subscribers whose buffers are full.
func (b *OutputBroker) Publish(contextID string, line OutputLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[contextID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers for contextID.
func (b *OutputBroker) Subscribers(contextID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[contextID]; ok {
		return len(t.subs)
	}
	return 0
}

// Topics returns the number of contexts with at least one subscriber.
func (b *OutputBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Close ends the topic for contextID, closing every subscriber channel and
// forgetting the topic.
func (b *OutputBroker) Close(contextID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[contextID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, contextID)
}
