package count_flow

import "sync"

type NoticeKind string

const (
	NoticeProgress  NoticeKind = "progress"
	NoticeWin       NoticeKind = "win"
	NoticeCelebrate NoticeKind = "celebrate"
	NoticeReply     NoticeKind = "reply"
)

type Notice struct {
	Kind     NoticeKind `json:"kind"`
	EntityID string     `json:"entity"`
	Text     string     `json:"text,omitempty"`
	Count    int64      `json:"count"`
	MaxCount int64      `json:"maxCount"`
}

// Observer is something connected to this process that is shown progress and
// completion celebrations. Notify must not block.
type Observer interface {
	// EntityID is the entity whose progress the observer follows, empty for
	// spectators that only receive broadcasts.
	EntityID() string
	Notify(n Notice)
}

type ObserverSet interface {
	Observers() []Observer
}

// Broadcaster is an ObserverSet that fans a notice out to all of its observers
// itself. Completion celebrations go through it when the set provides one.
type Broadcaster interface {
	ObserverSet
	Broadcast(n Notice)
}

// ObserverList is an in-memory ObserverSet, used by the CLI and in tests.
type ObserverList struct {
	mu    sync.RWMutex
	items []Observer
}

func NewObserverList(observers ...Observer) *ObserverList {
	return &ObserverList{items: observers}
}

func (l *ObserverList) Add(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, o)
}

func (l *ObserverList) Observers() []Observer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Observer(nil), l.items...)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc struct {
	Entity string
	Fn     func(Notice)
}

func (f ObserverFunc) EntityID() string {
	return f.Entity
}

func (f ObserverFunc) Notify(n Notice) {
	f.Fn(n)
}
