package reddit

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/iiviie/go-harvester/internal/models"
)

const (
	kindComment = "t1"
	kindLink    = "t3"
	kindMore    = "more"
)

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string  `json:"after"`
		Children []thing `json:"children"`
	} `json:"data"`
}

type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type linkData struct {
	ID                    string  `json:"id"`
	CreatedUTC            float64 `json:"created_utc"`
	SubredditNamePrefixed string  `json:"subreddit_name_prefixed"`
	NumComments           int     `json:"num_comments"`
	TotalAwardsReceived   int     `json:"total_awards_received"`
	Ups                   int     `json:"ups"`
	ViewCount             *int    `json:"view_count"`
	Title                 string  `json:"title"`
	Selftext              string  `json:"selftext"`
}

func (d *linkData) submission() models.Submission {
	s := models.Submission{
		ID:                    d.ID,
		CreatedUTC:            int64(d.CreatedUTC),
		SubredditNamePrefixed: d.SubredditNamePrefixed,
		NumComments:           d.NumComments,
		TotalAwardsReceived:   d.TotalAwardsReceived,
		Ups:                   d.Ups,
		Title:                 d.Title,
		Selftext:              d.Selftext,
	}
	if d.ViewCount != nil {
		s.ViewCount = *d.ViewCount
	}
	return s
}

type commentData struct {
	ID                  string  `json:"id"`
	LinkID              string  `json:"link_id"`
	ParentID            string  `json:"parent_id"`
	Depth               int     `json:"depth"`
	CreatedUTC          float64 `json:"created_utc"`
	TotalAwardsReceived int     `json:"total_awards_received"`
	Ups                 int     `json:"ups"`
	Body                string  `json:"body"`
	Replies             replies `json:"replies"`
}

func (d *commentData) comment() models.Comment {
	return models.Comment{
		ID:                  d.ID,
		LinkID:              d.LinkID,
		ParentID:            d.ParentID,
		IsRoot:              strings.HasPrefix(d.ParentID, models.SubmissionPrefix),
		Depth:               d.Depth,
		CreatedUTC:          int64(d.CreatedUTC),
		TotalAwardsReceived: d.TotalAwardsReceived,
		Ups:                 d.Ups,
		Body:                d.Body,
	}
}

// replies is either an empty string or a nested listing
type replies struct {
	listing *listing
}

func (r *replies) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	var l listing
	if err := json.Unmarshal(b, &l); err != nil {
		return err
	}
	r.listing = &l
	return nil
}

type moreData struct {
	ID       string   `json:"id"`
	ParentID string   `json:"parent_id"`
	Depth    int      `json:"depth"`
	Count    int      `json:"count"`
	Children []string `json:"children"`
}

func (d *moreData) stub() *models.Stub {
	return &models.Stub{
		ID:       d.ID,
		ParentID: d.ParentID,
		Depth:    d.Depth,
		Count:    d.Count,
		Children: append([]string(nil), d.Children...),
	}
}

// decodeForest turns the children of a comment listing into nodes and stubs,
// recursing through nested replies.
func decodeForest(children []thing) ([]*models.Node, []*models.Stub, error) {
	var nodes []*models.Node
	var stubs []*models.Stub
	for _, th := range children {
		switch th.Kind {
		case kindComment:
			n, err := decodeNode(th.Data)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, n)
		case kindMore:
			var d moreData
			if err := json.Unmarshal(th.Data, &d); err != nil {
				return nil, nil, fmt.Errorf("decode more: %w", err)
			}
			if d.Count == 0 && len(d.Children) == 0 && d.ParentID == "" {
				continue
			}
			stubs = append(stubs, d.stub())
		}
	}
	return nodes, stubs, nil
}

func decodeNode(raw json.RawMessage) (*models.Node, error) {
	var d commentData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode comment: %w", err)
	}
	n := &models.Node{Comment: d.comment()}
	if d.Replies.listing != nil {
		nodes, stubs, err := decodeForest(d.Replies.listing.Data.Children)
		if err != nil {
			return nil, err
		}
		n.Replies, n.More = nodes, stubs
	}
	return n, nil
}

// moreChildrenResponse is the api_type=json envelope of /api/morechildren
type moreChildrenResponse struct {
	JSON struct {
		Errors [][]string `json:"errors"`
		Data   struct {
			Things []thing `json:"things"`
		} `json:"data"`
	} `json:"json"`
}
