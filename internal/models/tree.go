package models

// Stub is a "load more comments" placeholder inside a fetched reply tree.
// Children lists the ids still to be loaded; an empty Children with a
// parent marks a "continue this thread" link that needs its own request.
type Stub struct {
	ID       string   `json:"id"`
	ParentID string   `json:"parent_id"`
	Depth    int      `json:"depth"`
	Count    int      `json:"count"`
	Children []string `json:"children"`
}

// Continuation reports whether the stub is a "continue this thread" link
func (s *Stub) Continuation() bool {
	return len(s.Children) == 0
}

// Node is one comment in a reply tree together with its loaded replies and
// the stubs standing in for replies that were not loaded yet.
type Node struct {
	Comment Comment
	Replies []*Node
	More    []*Stub
}

// Thread is a hydrated submission with its nested reply tree
type Thread struct {
	Submission Submission
	Replies    []*Node
	More       []*Stub
}

// Stubs returns every stub still present in the tree, top level first
func (t *Thread) Stubs() []*Stub {
	stubs := append([]*Stub(nil), t.More...)
	queue := append([]*Node(nil), t.Replies...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		stubs = append(stubs, n.More...)
		queue = append(queue, n.Replies...)
	}
	return stubs
}

// Index maps comment fullnames to their nodes
func (t *Thread) Index() map[string]*Node {
	index := make(map[string]*Node)
	queue := append([]*Node(nil), t.Replies...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		index[n.Comment.Fullname()] = n
		queue = append(queue, n.Replies...)
	}
	return index
}

// RemoveStub detaches stub wherever it sits in the tree. It returns false
// when the stub is not part of the tree.
func (t *Thread) RemoveStub(stub *Stub) bool {
	if more, ok := removeStub(t.More, stub); ok {
		t.More = more
		return true
	}
	queue := append([]*Node(nil), t.Replies...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if more, ok := removeStub(n.More, stub); ok {
			n.More = more
			return true
		}
		queue = append(queue, n.Replies...)
	}
	return false
}

func removeStub(stubs []*Stub, stub *Stub) ([]*Stub, bool) {
	for i, s := range stubs {
		if s == stub {
			return append(stubs[:i], stubs[i+1:]...), true
		}
	}
	return stubs, false
}

// Attach inserts a node, with any subtree it already carries, under the
// parent named by its ParentID and adds the subtree to index. Nodes whose
// parent is neither the submission nor an indexed comment are orphans: they
// are not attached and Attach returns false.
func (t *Thread) Attach(index map[string]*Node, n *Node) bool {
	parent := n.Comment.ParentID
	switch {
	case parent == t.Submission.Fullname():
		t.Replies = append(t.Replies, n)
	case index[parent] != nil:
		p := index[parent]
		p.Replies = append(p.Replies, n)
	default:
		return false
	}
	queue := []*Node{n}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		index[c.Comment.Fullname()] = c
		queue = append(queue, c.Replies...)
	}
	return true
}

// AttachStub inserts a stub under its parent. Like Attach it refuses orphans.
func (t *Thread) AttachStub(index map[string]*Node, s *Stub) bool {
	switch {
	case s.ParentID == t.Submission.Fullname():
		t.More = append(t.More, s)
	case index[s.ParentID] != nil:
		p := index[s.ParentID]
		p.More = append(p.More, s)
	default:
		return false
	}
	return true
}
