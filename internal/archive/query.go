package archive

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Query selects submissions by subreddit and creation time. After and
// Before are whole epoch seconds; the archive misbehaves when handed
// fractional or string timestamps, so the types rule them out.
type Query struct {
	Subreddit string
	After     int64
	Before    int64
	Filter    *Predicate
}

// Window builds a query for [start, end) truncated to whole seconds
func Window(subreddit string, start, end time.Time, filter *Predicate) Query {
	return Query{
		Subreddit: subreddit,
		After:     start.Unix(),
		Before:    end.Unix(),
		Filter:    filter,
	}
}

// Validate rejects queries the archive cannot answer sensibly
func (q Query) Validate() error {
	if q.Subreddit == "" {
		return fmt.Errorf("archive query: subreddit is required")
	}
	if q.After >= q.Before {
		return fmt.Errorf("archive query: after (%d) must be before before (%d)", q.After, q.Before)
	}
	if q.Filter != nil {
		return q.Filter.validate()
	}
	return nil
}

func (q Query) contains(it item) bool {
	if it.CreatedUTC < q.After || it.CreatedUTC >= q.Before {
		return false
	}
	if q.Filter != nil && it.hasValue {
		return q.Filter.Match(it.Value)
	}
	return true
}

// Predicate is a numeric comparison on one submission field, such as
// num_comments > 5. It is a coarse pre-filter only.
type Predicate struct {
	Field string
	Op    string
	Value int
}

// MinComments keeps submissions with more than n comments. Threads with one
// or no comments are disproportionately removed posts or mod placeholders.
func MinComments(n int) *Predicate {
	return &Predicate{Field: "num_comments", Op: ">", Value: n}
}

// Match applies the predicate to a field value
func (p *Predicate) Match(v int) bool {
	switch p.Op {
	case ">":
		return v > p.Value
	case ">=":
		return v >= p.Value
	case "<":
		return v < p.Value
	case "<=":
		return v <= p.Value
	default:
		return v == p.Value
	}
}

func (p *Predicate) validate() error {
	if p.Field == "" {
		return fmt.Errorf("archive query: filter field is required")
	}
	switch p.Op {
	case ">", ">=", "<", "<=", "=":
		return nil
	default:
		return fmt.Errorf("archive query: unsupported filter operator %q", p.Op)
	}
}

// param renders the predicate in the archive's query syntax, e.g. ">5"
func (p *Predicate) param() string {
	if p.Op == "=" {
		return strconv.Itoa(p.Value)
	}
	return p.Op + strconv.Itoa(p.Value)
}

type searchResponse struct {
	Data []rawItem `json:"data"`
}

type rawItem map[string]json.RawMessage

type item struct {
	ID         string
	CreatedUTC int64
	Value      int
	hasValue   bool
}

func (raw rawItem) item(field string) (item, error) {
	var it item
	if err := json.Unmarshal(raw["id"], &it.ID); err != nil || it.ID == "" {
		return it, fmt.Errorf("%w: result without id", ErrIndexUnavailable)
	}
	created, err := number(raw["created_utc"])
	if err != nil {
		return it, fmt.Errorf("%w: result %s created_utc: %v", ErrIndexUnavailable, it.ID, err)
	}
	it.CreatedUTC = int64(created)
	if v, ok := raw[field]; ok && field != "" {
		n, err := number(v)
		if err == nil {
			it.Value = int(n)
			it.hasValue = true
		}
	}
	return it, nil
}

// number accepts JSON numbers, floats and quoted numbers; archive dumps are
// not consistent about which one they use.
func number(raw json.RawMessage) (float64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, fmt.Errorf("missing value")
	}
	return strconv.ParseFloat(s, 64)
}
