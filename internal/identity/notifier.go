package identity

import (
	"sync"

	"github.com/hitoshi/firewatch/internal/model"
)

// listener は登録済みのセッション変更リスナー。
type listener struct {
	id uint64
	fn func(*model.Identity)
}

// notifier はセッション状態を保持し、変更をリスナーへ直列に通知する。
// 登録と通知は同じロックで直列化するため、登録直後の初回通知と
// 以降の変更通知が入れ替わることはない。
type notifier struct {
	mu        sync.Mutex
	known     bool
	current   *model.Identity
	listeners []listener
	nextID    uint64
}

// subscribe はリスナーを登録する。状態が確定済みであれば現在の状態を即時に通知する。
func (n *notifier) subscribe(fn func(*model.Identity)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.listeners = append(n.listeners, listener{id: id, fn: fn})

	if n.known {
		fn(n.current)
	}

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

// remove は指定IDのリスナーを削除する。
func (n *notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, l := range n.listeners {
		if l.id == id {
			n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
			return
		}
	}
}

// emit は状態を更新し、全リスナーへ登録順に通知する。
func (n *notifier) emit(identity *model.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.current = identity
	n.known = true
	for _, l := range n.listeners {
		l.fn(identity)
	}
}

// snapshot は現在の状態と確定済みかどうかを返す。
func (n *notifier) snapshot() (*model.Identity, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current, n.known
}

// listenerCount は登録済みリスナー数を返す。
func (n *notifier) listenerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

// compareAndEmit は現在の状態がexpectedと同じアカウントである場合に限りnextを通知する。
// トークン更新中にサインアウトや別アカウントへの切り替えが起きた場合の上書きを防ぐ。
func (n *notifier) compareAndEmit(expected, next *model.Identity) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.known || n.current == nil || !n.current.SameAccount(expected) {
		return false
	}
	n.current = next
	for _, l := range n.listeners {
		l.fn(next)
	}
	return true
}

// emitIfUnknown は状態が未確定の場合に限りnextを通知する。
func (n *notifier) emitIfUnknown(next *model.Identity) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.known {
		return false
	}
	n.current = next
	n.known = true
	for _, l := range n.listeners {
		l.fn(next)
	}
	return true
}
