package cache

import "container/list"

// PriorityOrder is a deque of resource ids: the front is most important and
// the back is evicted first. Each id appears at most once; all operations
// except the scans are O(1).
type PriorityOrder struct {
	ll    *list.List
	index map[string]*list.Element
}

func NewPriorityOrder() *PriorityOrder {
	return &PriorityOrder{ll: list.New(), index: make(map[string]*list.Element)}
}

// MoveToFront places id at the front, inserting it if absent.
func (o *PriorityOrder) MoveToFront(id string) {
	if e, ok := o.index[id]; ok {
		o.ll.MoveToFront(e)
		return
	}
	o.index[id] = o.ll.PushFront(id)
}

// MoveToBack places id at the back, inserting it if absent.
func (o *PriorityOrder) MoveToBack(id string) {
	if e, ok := o.index[id]; ok {
		o.ll.MoveToBack(e)
		return
	}
	o.index[id] = o.ll.PushBack(id)
}

// Rank applies the re-ranking rule: Immediate goes to the front, anything
// else to the back.
func (o *PriorityOrder) Rank(id string, p LoadPriority) {
	if p == PriorityImmediate {
		o.MoveToFront(id)
	} else {
		o.MoveToBack(id)
	}
}

func (o *PriorityOrder) Remove(id string) bool {
	e, ok := o.index[id]
	if !ok {
		return false
	}
	o.ll.Remove(e)
	delete(o.index, id)
	return true
}

func (o *PriorityOrder) Contains(id string) bool {
	_, ok := o.index[id]
	return ok
}

func (o *PriorityOrder) Len() int {
	return o.ll.Len()
}

// FindBack scans from the back and returns the first id for which match
// reports true. Ids for which stale reports true are removed on the way;
// other non-matching ids are left in place.
func (o *PriorityOrder) FindBack(match, stale func(id string) bool) (string, bool) {
	for e := o.ll.Back(); e != nil; {
		prev := e.Prev()
		id := e.Value.(string)
		switch {
		case match(id):
			return id, true
		case stale != nil && stale(id):
			o.ll.Remove(e)
			delete(o.index, id)
		}
		e = prev
	}
	return "", false
}

// IDs returns the ids front to back.
func (o *PriorityOrder) IDs() []string {
	ids := make([]string, 0, o.ll.Len())
	for e := o.ll.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(string))
	}
	return ids
}
