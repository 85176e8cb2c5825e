package reddit

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/iiviie/go-harvester/internal/models"
)

const maxListingLimit = 100

var (
	validID        = regexp.MustCompile(`^[a-z0-9]{1,16}$`)
	validSubreddit = regexp.MustCompile(`^[A-Za-z0-9_]{2,21}$`)
)

// Thread fetches a submission and the comment tree Reddit returns with it.
// The tree may still hold stubs; see ExpandStubs.
func (c *Client) Thread(ctx context.Context, id string) (*models.Thread, error) {
	id = models.ShortID(id)
	if !validID.MatchString(id) {
		return nil, fmt.Errorf("submission %q: %w", id, ErrNotFound)
	}

	params := url.Values{}
	params.Set("limit", "500")
	params.Set("sort", "confidence")

	var pair []listing
	if err := c.get(ctx, "/comments/"+id, params, &pair); err != nil {
		return nil, fmt.Errorf("submission %s: %w", id, err)
	}
	return decodeThread(id, pair)
}

func decodeThread(id string, pair []listing) (*models.Thread, error) {
	if len(pair) != 2 || len(pair[0].Data.Children) == 0 {
		return nil, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	head := pair[0].Data.Children[0]
	if head.Kind != kindLink {
		return nil, fmt.Errorf("submission %s: %w: unexpected kind %q", id, ErrTransient, head.Kind)
	}

	var link linkData
	if err := json.Unmarshal(head.Data, &link); err != nil {
		return nil, fmt.Errorf("submission %s: %w: %v", id, ErrTransient, err)
	}

	nodes, stubs, err := decodeForest(pair[1].Data.Children)
	if err != nil {
		return nil, fmt.Errorf("submission %s: %w: %v", id, ErrTransient, err)
	}
	return &models.Thread{
		Submission: link.submission(),
		Replies:    nodes,
		More:       stubs,
	}, nil
}

// New lists the ids of the newest submissions in subreddit, newest first,
// paging until limit ids were collected or the listing ends.
func (c *Client) New(ctx context.Context, subreddit string, limit int) ([]string, error) {
	if !validSubreddit.MatchString(subreddit) {
		return nil, fmt.Errorf("subreddit %q: %w", subreddit, ErrNotFound)
	}

	var ids []string
	after := ""
	for len(ids) < limit {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(min(maxListingLimit, limit-len(ids))))
		if after != "" {
			params.Set("after", after)
		}

		var l listing
		if err := c.get(ctx, "/r/"+subreddit+"/new", params, &l); err != nil {
			return ids, fmt.Errorf("r/%s new: %w", subreddit, err)
		}
		for _, th := range l.Data.Children {
			if th.Kind != kindLink {
				continue
			}
			var link linkData
			if err := json.Unmarshal(th.Data, &link); err != nil {
				return ids, fmt.Errorf("r/%s new: %w: %v", subreddit, ErrTransient, err)
			}
			ids = append(ids, link.ID)
			if len(ids) == limit {
				break
			}
		}

		if l.Data.After == "" || len(l.Data.Children) == 0 {
			break
		}
		after = l.Data.After
	}
	c.logger.Debug("listed new submissions", "subreddit", subreddit, "count", len(ids))
	return ids, nil
}
