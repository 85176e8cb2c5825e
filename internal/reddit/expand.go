package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/iiviie/go-harvester/internal/models"
)

// maxMoreChildren is the most ids /api/morechildren accepts per call
const maxMoreChildren = 100

// ExpandResult summarizes one ExpandStubs call
type ExpandResult struct {
	Expanded int
	Requests int
	Pruned   int
	Orphans  int
}

// ExpandStubs resolves the stubs in t into the comments they stand for,
// repeating until the tree holds no stubs. A positive limit caps the number
// of stubs expanded by this call; stubs beyond it are removed from the tree.
// A limit of 0 expands everything.
//
// On error t keeps everything materialized so far together with the stubs
// still pending, so calling ExpandStubs again resumes the work. On a tree
// without stubs it does nothing.
//
// Comments whose parent is not in the tree are dropped and counted as
// orphans rather than attached somewhere else, which keeps every parent_id
// and depth exactly as Reddit reported them.
func (c *Client) ExpandStubs(ctx context.Context, t *models.Thread, limit int) (ExpandResult, error) {
	e := &expander{client: c, thread: t, seen: make(map[string]bool)}
	for {
		stubs := t.Stubs()
		if len(stubs) == 0 {
			return e.res, nil
		}
		for _, s := range stubs {
			if limit > 0 && e.res.Expanded >= limit {
				for _, rest := range t.Stubs() {
					t.RemoveStub(rest)
					e.res.Pruned++
				}
				return e.res, nil
			}
			if err := e.expand(ctx, s); err != nil {
				return e.res, err
			}
			e.res.Expanded++
		}
	}
}

type expander struct {
	client *Client
	thread *models.Thread
	res    ExpandResult
	// ids already requested in this call; guards against stubs that keep
	// pointing at the same children
	seen map[string]bool
}

func (e *expander) expand(ctx context.Context, s *models.Stub) error {
	if s.Continuation() {
		return e.continueThread(ctx, s)
	}
	for len(s.Children) > 0 {
		n := min(maxMoreChildren, len(s.Children))
		chunk := s.Children[:n]
		things, err := e.client.moreChildren(ctx, e.thread.Submission.Fullname(), chunk)
		if err != nil {
			return err
		}
		e.res.Requests++
		for _, id := range chunk {
			e.seen[id] = true
		}
		if err := e.attach(things); err != nil {
			return err
		}
		s.Children = s.Children[n:]
	}
	e.thread.RemoveStub(s)
	return nil
}

// attach places morechildren results in the tree. Reddit lists parents
// before children, but nodes are retried until no more can be placed so the
// order is not relied on.
func (e *expander) attach(things []thing) error {
	t := e.thread
	index := t.Index()

	var nodes []*models.Node
	var stubs []*models.Stub
	for _, th := range things {
		switch th.Kind {
		case kindComment:
			n, err := decodeNode(th.Data)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrTransient, err)
			}
			if index[n.Comment.Fullname()] == nil {
				nodes = append(nodes, n)
			}
		case kindMore:
			var d moreData
			if err := json.Unmarshal(th.Data, &d); err != nil {
				return fmt.Errorf("%w: decode more: %v", ErrTransient, err)
			}
			if s := e.unseen(d.stub()); s != nil {
				stubs = append(stubs, s)
			}
		}
	}

	for placed := true; placed && len(nodes) > 0; {
		placed = false
		rest := nodes[:0]
		for _, n := range nodes {
			if t.Attach(index, n) {
				placed = true
			} else {
				rest = append(rest, n)
			}
		}
		nodes = rest
	}
	for _, s := range stubs {
		if !t.AttachStub(index, s) {
			e.res.Orphans++
		}
	}
	e.res.Orphans += len(nodes)
	if len(nodes) > 0 {
		e.client.logger.Debug("dropped orphan comments",
			"submission_id", t.Submission.ID, "count", len(nodes))
	}
	return nil
}

// unseen trims ids already requested from a stub; nil means nothing is left
func (e *expander) unseen(s *models.Stub) *models.Stub {
	if s.Continuation() {
		if e.seen[continuationKey(s)] {
			return nil
		}
		return s
	}
	kept := s.Children[:0]
	for _, id := range s.Children {
		if !e.seen[id] {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	s.Children = kept
	return s
}

// continueThread loads a "continue this thread" link: the replies of the
// stub's parent fetched through the parent's own permalink.
func (e *expander) continueThread(ctx context.Context, s *models.Stub) error {
	t := e.thread
	key := continuationKey(s)
	if e.seen[key] || s.ParentID == "" {
		t.RemoveStub(s)
		return nil
	}

	var pair []listing
	path := "/comments/" + t.Submission.ID + "/_/" + models.ShortID(s.ParentID)
	err := e.client.get(ctx, path, url.Values{}, &pair)
	if errors.Is(err, ErrNotFound) {
		t.RemoveStub(s)
		return nil
	}
	if err != nil {
		return err
	}
	e.res.Requests++
	e.seen[key] = true

	sub, err := decodeThread(t.Submission.ID, pair)
	if errors.Is(err, ErrNotFound) {
		t.RemoveStub(s)
		return nil
	}
	if err != nil {
		return err
	}
	t.RemoveStub(s)

	var focus *models.Node
	for _, n := range sub.Replies {
		if n.Comment.Fullname() == s.ParentID {
			focus = n
			break
		}
	}
	if focus == nil {
		return nil
	}

	index := t.Index()
	parent := index[s.ParentID]
	if parent == nil {
		e.res.Orphans += len(focus.Replies)
		return nil
	}

	// permalink pages may report depth relative to the focused comment;
	// shift the subtree so depths match the rest of the thread
	rebase(focus, parent.Comment.Depth-focus.Comment.Depth)

	for _, n := range focus.Replies {
		if index[n.Comment.Fullname()] == nil && !t.Attach(index, n) {
			e.res.Orphans++
		}
	}
	for _, st := range focus.More {
		if st = e.unseen(st); st != nil && !t.AttachStub(index, st) {
			e.res.Orphans++
		}
	}
	return nil
}

func rebase(n *models.Node, offset int) {
	if offset == 0 {
		return
	}
	queue := []*models.Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		cur.Comment.Depth += offset
		for _, s := range cur.More {
			s.Depth += offset
		}
		queue = append(queue, cur.Replies...)
	}
}

func continuationKey(s *models.Stub) string {
	return "continue:" + s.ParentID
}

func (c *Client) moreChildren(ctx context.Context, linkFullname string, children []string) ([]thing, error) {
	params := url.Values{}
	params.Set("api_type", "json")
	params.Set("link_id", linkFullname)
	params.Set("children", strings.Join(children, ","))
	params.Set("limit_children", "false")

	var res moreChildrenResponse
	if err := c.get(ctx, "/api/morechildren", params, &res); err != nil {
		return nil, fmt.Errorf("morechildren %s: %w", linkFullname, err)
	}
	if len(res.JSON.Errors) > 0 {
		return nil, fmt.Errorf("morechildren %s: %w: %v", linkFullname, ErrTransient, res.JSON.Errors)
	}
	return res.JSON.Data.Things, nil
}
