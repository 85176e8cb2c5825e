package models

import "strings"

// Fullname prefixes used by Reddit for things referenced in link_id/parent_id
const (
	CommentPrefix    = "t1_"
	SubmissionPrefix = "t3_"
)

var removedBodies = map[string]bool{
	"[deleted]": true,
	"[removed]": true,
}

// Submission represents a Reddit submission, the root entity of a thread
type Submission struct {
	ID                    string `json:"id"`
	CreatedUTC            int64  `json:"created_utc"`
	SubredditNamePrefixed string `json:"subreddit_name_prefixed"`
	NumComments           int    `json:"num_comments"`
	TotalAwardsReceived   int    `json:"total_awards_received"`
	Ups                   int    `json:"ups"`
	ViewCount             int    `json:"view_count"`
	Title                 string `json:"title"`
	Selftext              string `json:"selftext"`
}

// Fullname returns the t3_ prefixed identifier of the submission
func (s *Submission) Fullname() string {
	return SubmissionPrefix + s.ID
}

// Removed reports whether the submission body was deleted or removed
// by a moderator after it was indexed.
func (s *Submission) Removed() bool {
	return removedBodies[strings.TrimSpace(s.Selftext)]
}

// Comment represents a Reddit comment attached to a submission or to
// another comment. Depth and ParentID are kept exactly as reported by Reddit.
type Comment struct {
	ID                  string `json:"id"`
	LinkID              string `json:"link_id"`
	ParentID            string `json:"parent_id"`
	IsRoot              bool   `json:"is_root"`
	Depth               int    `json:"depth"`
	CreatedUTC          int64  `json:"created_utc"`
	TotalAwardsReceived int    `json:"total_awards_received"`
	Ups                 int    `json:"ups"`
	Body                string `json:"body"`
}

// Fullname returns the t1_ prefixed identifier of the comment
func (c *Comment) Fullname() string {
	return CommentPrefix + c.ID
}

// Removed reports whether the comment body was deleted or removed
func (c *Comment) Removed() bool {
	return removedBodies[strings.TrimSpace(c.Body)]
}

// ShortID strips a t1_/t3_ style type prefix from a Reddit fullname
func ShortID(fullname string) string {
	if len(fullname) > 3 && fullname[0] == 't' && fullname[2] == '_' {
		return fullname[3:]
	}
	return fullname
}
