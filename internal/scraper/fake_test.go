package scraper

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/iiviie/go-harvester/internal/archive"
	"github.com/iiviie/go-harvester/internal/models"
	"github.com/iiviie/go-harvester/internal/reddit"
)

// buildThread returns a submission with two top-level comments, one of
// which has a reply
func buildThread(id string, created int64) *models.Thread {
	c1 := &models.Node{Comment: models.Comment{ID: id + "c1", LinkID: "t3_" + id, ParentID: "t3_" + id, IsRoot: true, Depth: 0}}
	c2 := &models.Node{Comment: models.Comment{ID: id + "c2", LinkID: "t3_" + id, ParentID: "t1_" + id + "c1", Depth: 1}}
	c3 := &models.Node{Comment: models.Comment{ID: id + "c3", LinkID: "t3_" + id, ParentID: "t3_" + id, IsRoot: true, Depth: 0}}
	c1.Replies = []*models.Node{c2}
	return &models.Thread{
		Submission: models.Submission{ID: id, CreatedUTC: created, NumComments: 3},
		Replies:    []*models.Node{c1, c3},
	}
}

type fakeSource struct {
	mu        sync.Mutex
	created   map[string]int64
	threadErr map[string][]error
	stubbed   map[string]bool
	stubCount map[string]int
	calls     map[string]int
	expandErr error
	// flaky expansions resolve one stub and then fail
	flaky   int
	limits  []int
	expands int
	newIDs    []string
	newCalls  int
	closed    bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		created:   map[string]int64{},
		threadErr: map[string][]error{},
		stubbed:   map[string]bool{},
		stubCount: map[string]int{},
		calls:     map[string]int{},
	}
}

func (f *fakeSource) Thread(ctx context.Context, id string) (*models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if id == "gone" {
		return nil, reddit.ErrNotFound
	}
	if errs := f.threadErr[id]; len(errs) > 0 {
		f.threadErr[id] = errs[1:]
		return nil, errs[0]
	}
	t := buildThread(id, f.created[id])
	if f.stubbed[id] {
		c1 := t.Replies[0]
		c1.More = []*models.Stub{{ID: "m", ParentID: c1.Comment.Fullname(), Depth: 1, Count: 1, Children: []string{id + "c4"}}}
	}
	c3 := t.Replies[1]
	for i := range f.stubCount[id] {
		child := fmt.Sprintf("%ss%d", id, i)
		c3.More = append(c3.More, &models.Stub{ID: "m" + child, ParentID: c3.Comment.Fullname(), Depth: 1, Count: 1, Children: []string{child}})
	}
	return t, nil
}

func (f *fakeSource) ExpandStubs(ctx context.Context, t *models.Thread, limit int) (reddit.ExpandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expands++
	f.limits = append(f.limits, limit)
	if f.expandErr != nil {
		return reddit.ExpandResult{Requests: 1}, f.expandErr
	}
	var res reddit.ExpandResult
	index := t.Index()
	for _, s := range t.Stubs() {
		if limit > 0 && res.Expanded >= limit {
			t.RemoveStub(s)
			res.Pruned++
			continue
		}
		for _, id := range s.Children {
			t.Attach(index, &models.Node{Comment: models.Comment{ID: id, ParentID: s.ParentID, Depth: s.Depth}})
		}
		t.RemoveStub(s)
		res.Expanded++
		res.Requests++
		if f.flaky > 0 {
			f.flaky--
			return res, reddit.ErrTransient
		}
	}
	return res, nil
}

func (f *fakeSource) New(ctx context.Context, subreddit string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newCalls++
	return append([]string(nil), f.newIDs...), nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeIndex struct {
	ids     []string
	err     error
	queries []archive.Query
}

func (f *fakeIndex) Lookup(ctx context.Context, q archive.Query) iter.Seq2[string, error] {
	f.queries = append(f.queries, q)
	return func(yield func(string, error) bool) {
		for _, id := range f.ids {
			if !yield(id, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}
