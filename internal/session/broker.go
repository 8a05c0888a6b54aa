package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/firewatch/internal/model"
)

// Subscription はセッション変更の購読を表す。
// 購読者ごとにキューと配信goroutineを持ち、変更を発生順に1件ずつ配信する。
type Subscription struct {
	ID string

	fn     func(model.Session)
	broker *broker

	mu     sync.Mutex
	queue  []model.Session
	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe は以降の配信を停止する。複数回呼んでもよい。
// 実行中のコールバックの完了は待たないため、コールバック内から呼び出してもよい。
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.stop)
		if s.broker != nil {
			s.broker.remove(s.ID)
		}
	})
}

// Done は配信goroutineが終了したときにクローズされるチャネルを返す。
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// enqueue は配信キューの末尾に追加する。配信を待たずに戻る。
func (s *Subscription) enqueue(sess model.Session) {
	s.mu.Lock()
	s.queue = append(s.queue, sess)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next はキューの先頭を取り出す。
func (s *Subscription) next() (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return model.Session{}, false
	}
	sess := s.queue[0]
	s.queue[0] = model.Session{}
	s.queue = s.queue[1:]
	return sess, true
}

// run はキューを順に配信する。1購読者につき1goroutineのため、同じ購読者への配信が並行することはない。
func (s *Subscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case <-s.signal:
		}

		for {
			sess, ok := s.next()
			if !ok {
				break
			}
			select {
			case <-s.stop:
				return
			default:
			}
			s.fn(sess)
		}
	}
}

// broker は購読者の集合を管理する。呼び出し側（Manager）のロック下で使用する。
type broker struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	order  []string
	closed bool

	// onCount は購読者数が変わるたびに呼ばれる。
	onCount func(n int)
}

func newBroker() *broker {
	return &broker{subs: make(map[string]*Subscription)}
}

// add は購読者を登録し、配信goroutineを開始する。
// クローズ済みの場合は停止済みの購読を返す。
func (b *broker) add(fn func(model.Session)) *Subscription {
	s := &Subscription{
		ID:     uuid.NewString(),
		fn:     fn,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.Unsubscribe()
		close(s.done)
		return s
	}
	s.broker = b
	b.subs[s.ID] = s
	b.order = append(b.order, s.ID)
	b.countChangedLocked()
	b.mu.Unlock()

	go s.run()
	return s
}

// remove は購読者を登録から外す。
func (b *broker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, sid := range b.order {
		if sid == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
	b.countChangedLocked()
}

func (b *broker) countChangedLocked() {
	if b.onCount != nil {
		b.onCount(len(b.subs))
	}
}

// publish は全購読者のキューへ登録順に追加する。
func (b *broker) publish(sess model.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range b.order {
		b.subs[id].enqueue(sess)
	}
}

// count は購読者数を返す。
func (b *broker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// close は全購読を停止する。
func (b *broker) close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subs[id])
	}
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}
