package models

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// Kind tags a flat record
type Kind string

const (
	KindSubmission Kind = "submission"
	KindComment    Kind = "comment"
)

// Record is one submission or comment as a single flat row. Exactly one of
// Submission and Comment is set, matching Kind.
type Record struct {
	Kind       Kind
	Submission *Submission
	Comment    *Comment
}

// SubmissionRecord wraps a submission
func SubmissionRecord(s Submission) Record {
	return Record{Kind: KindSubmission, Submission: &s}
}

// CommentRecord wraps a comment
func CommentRecord(c Comment) Record {
	return Record{Kind: KindComment, Comment: &c}
}

// ID returns the short id of the wrapped thing
func (r Record) ID() string {
	if r.Kind == KindSubmission {
		return r.Submission.ID
	}
	return r.Comment.ID
}

// Fullname returns the prefixed id of the wrapped thing
func (r Record) Fullname() string {
	if r.Kind == KindSubmission {
		return r.Submission.Fullname()
	}
	return r.Comment.Fullname()
}

// ParentID is empty for submissions
func (r Record) ParentID() string {
	if r.Kind == KindSubmission {
		return ""
	}
	return r.Comment.ParentID
}

// Depth of the record. The submission sits one level above top-level
// comments, which Reddit reports at depth 0.
func (r Record) Depth() int {
	if r.Kind == KindSubmission {
		return -1
	}
	return r.Comment.Depth
}

// CreatedUTC returns the creation time in epoch seconds
func (r Record) CreatedUTC() int64 {
	if r.Kind == KindSubmission {
		return r.Submission.CreatedUTC
	}
	return r.Comment.CreatedUTC
}

// MarshalJSON writes the record as one flat object with a "kind" field
func (r Record) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindSubmission:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*Submission
		}{r.Kind, r.Submission})
	case KindComment:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			*Comment
		}{r.Kind, r.Comment})
	default:
		return nil, fmt.Errorf("unknown record kind %q", r.Kind)
	}
}

// UnmarshalJSON reads the flat form written by MarshalJSON
func (r *Record) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Kind {
	case KindSubmission:
		var s Submission
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = SubmissionRecord(s)
	case KindComment:
		var c Comment
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		*r = CommentRecord(c)
	default:
		return fmt.Errorf("unknown record kind %q", head.Kind)
	}
	return nil
}

// RecordList is the flattened form of one thread: the submission first,
// followed by its comments.
type RecordList []Record

// Submission returns the leading submission, or nil for an empty list
func (l RecordList) Submission() *Submission {
	if len(l) == 0 || l[0].Kind != KindSubmission {
		return nil
	}
	return l[0].Submission
}

// Comments returns every comment in list order
func (l RecordList) Comments() []*Comment {
	if len(l) <= 1 {
		return nil
	}
	comments := make([]*Comment, 0, len(l)-1)
	for _, r := range l[1:] {
		if r.Kind == KindComment {
			comments = append(comments, r.Comment)
		}
	}
	return comments
}

// Batch holds one record list per successfully fetched submission
type Batch []RecordList

// Stats summarizes the size of a batch
type Stats struct {
	Submissions int `json:"submissions"`
	Comments    int `json:"comments"`
}

// Stats counts the submissions and comments in the batch
func (b Batch) Stats() Stats {
	var st Stats
	for _, l := range b {
		st.Submissions++
		st.Comments += len(l) - 1
	}
	return st
}

// SortByCreated orders the batch by submission creation time, oldest first.
// Ties break on id so the result is deterministic.
func (b Batch) SortByCreated() {
	sort.SliceStable(b, func(i, j int) bool {
		si, sj := b[i].Submission(), b[j].Submission()
		if si.CreatedUTC != sj.CreatedUTC {
			return si.CreatedUTC < sj.CreatedUTC
		}
		return si.ID < sj.ID
	})
}
