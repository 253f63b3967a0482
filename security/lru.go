package security

import "container/list"

// usedKey is the (client_id, expiry) pair that identifies one accepted
// token for single-use enforcement.
type usedKey struct {
	clientID   uint64
	expiryUnix int64
}

// UsedTokens is a bounded LRU set of recently accepted tokens. No LRU
// library appears anywhere in the retrieved corpus, so this is a small
// hand-rolled container/list + map, the idiomatic stdlib shape for a
// capacity-bounded cache.
type UsedTokens struct {
	capacity int
	order    *list.List
	index    map[usedKey]*list.Element
}

// NewUsedTokens returns a set retaining at most capacity entries.
func NewUsedTokens(capacity int) *UsedTokens {
	return &UsedTokens{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[usedKey]*list.Element, capacity),
	}
}

// Accept records token as used and reports whether it had already been
// accepted; re-presentation of the same token within the window is denied.
func (u *UsedTokens) Accept(t Token) (alreadyUsed bool) {
	key := usedKey{clientID: t.ClientID, expiryUnix: t.ExpiryUnix}
	if elem, ok := u.index[key]; ok {
		u.order.MoveToFront(elem)
		return true
	}

	if u.order.Len() >= u.capacity {
		oldest := u.order.Back()
		if oldest != nil {
			u.order.Remove(oldest)
			delete(u.index, oldest.Value.(usedKey))
		}
	}

	elem := u.order.PushFront(key)
	u.index[key] = elem
	return false
}

// Len reports the number of tracked entries.
func (u *UsedTokens) Len() int { return u.order.Len() }
