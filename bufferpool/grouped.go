package bufferpool

import "container/list"

type group[K comparable] struct {
	key  K
	bufs []*Buffer
}

// groupedLRU keeps buffers in buckets. Buckets are ordered by last access
// (front is most recent); inside a bucket, buffers are ordered by insertion.
// get hands out the newest buffer of a bucket, removeLast drops the oldest
// buffer of the least recently used bucket.
type groupedLRU[K comparable] struct {
	groups map[K]*list.Element
	order  *list.List
	count  int
}

func newGroupedLRU[K comparable]() *groupedLRU[K] {
	return &groupedLRU[K]{
		groups: make(map[K]*list.Element),
		order:  list.New(),
	}
}

func (g *groupedLRU[K]) put(key K, b *Buffer) {
	elem, ok := g.groups[key]
	if !ok {
		elem = g.order.PushFront(&group[K]{key: key})
		g.groups[key] = elem
	} else {
		g.order.MoveToFront(elem)
	}
	grp := elem.Value.(*group[K])
	grp.bufs = append(grp.bufs, b)
	g.count++
}

func (g *groupedLRU[K]) get(key K) *Buffer {
	elem, ok := g.groups[key]
	if !ok {
		return nil
	}
	grp := elem.Value.(*group[K])
	last := len(grp.bufs) - 1
	b := grp.bufs[last]
	grp.bufs[last] = nil
	grp.bufs = grp.bufs[:last]
	g.count--

	if len(grp.bufs) == 0 {
		g.order.Remove(elem)
		delete(g.groups, key)
	} else {
		g.order.MoveToFront(elem)
	}
	return b
}

func (g *groupedLRU[K]) removeLast() (K, *Buffer, bool) {
	elem := g.order.Back()
	if elem == nil {
		var zero K
		return zero, nil, false
	}
	grp := elem.Value.(*group[K])
	b := grp.bufs[0]
	grp.bufs[0] = nil
	grp.bufs = grp.bufs[1:]
	g.count--

	if len(grp.bufs) == 0 {
		g.order.Remove(elem)
		delete(g.groups, grp.key)
	}
	return grp.key, b, true
}

func (g *groupedLRU[K]) len() int {
	return g.count
}
