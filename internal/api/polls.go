package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rickgao/polls-live/internal/model"
)

// ListOptions pages through the poll list.
type ListOptions struct {
	Skip  int
	Limit int
}

func pollPath(id int64, rest ...string) string {
	p := "/polls/" + strconv.FormatInt(id, 10)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// ListPolls fetches the poll list, newest first.
func (c *Client) ListPolls(ctx context.Context, opts ListOptions) ([]model.Poll, error) {
	query := url.Values{}
	if opts.Skip > 0 {
		query.Set("skip", strconv.Itoa(opts.Skip))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}

	var polls []model.Poll
	if err := c.get(ctx, "/polls/", query, &polls); err != nil {
		return nil, fmt.Errorf("list polls: %w", err)
	}
	if polls == nil {
		polls = []model.Poll{}
	}
	return polls, nil
}

// Snapshot returns the full poll list.
func (c *Client) Snapshot(ctx context.Context) ([]model.Poll, error) {
	return c.ListPolls(ctx, ListOptions{})
}

// GetPoll fetches a single poll.
func (c *Client) GetPoll(ctx context.Context, id int64) (*model.Poll, error) {
	var poll model.Poll
	if err := c.get(ctx, pollPath(id), nil, &poll); err != nil {
		return nil, fmt.Errorf("get poll %d: %w", id, err)
	}
	return &poll, nil
}

// CreatePoll validates req and creates the poll.
func (c *Client) CreatePoll(ctx context.Context, req model.CreatePoll) (*model.Poll, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var poll model.Poll
	if err := c.send(ctx, http.MethodPost, "/polls/", req, &poll); err != nil {
		return nil, fmt.Errorf("create poll: %w", err)
	}
	return &poll, nil
}

// DeletePoll removes a poll.
func (c *Client) DeletePoll(ctx context.Context, id int64) error {
	if err := c.send(ctx, http.MethodDelete, pollPath(id), nil, nil); err != nil {
		return fmt.Errorf("delete poll %d: %w", id, err)
	}
	return nil
}

// Vote casts userID's vote for optionID.
func (c *Client) Vote(ctx context.Context, pollID, optionID int64, userID string) (*model.Vote, error) {
	req := model.VoteRequest{OptionID: optionID, UserID: userID}

	var vote model.Vote
	if err := c.send(ctx, http.MethodPost, pollPath(pollID, "votes"), req, &vote); err != nil {
		return nil, fmt.Errorf("vote on poll %d: %w", pollID, err)
	}
	return &vote, nil
}

// GetUserVote returns userID's vote on a poll, or nil if they have not voted.
func (c *Client) GetUserVote(ctx context.Context, pollID int64, userID string) (*model.Vote, error) {
	var vote model.Vote
	if err := c.get(ctx, pollPath(pollID, "votes", userID), nil, &vote); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get vote on poll %d: %w", pollID, err)
	}
	return &vote, nil
}

// ToggleLike flips userID's like on a poll.
func (c *Client) ToggleLike(ctx context.Context, pollID int64, userID string) (*model.LikeResult, error) {
	var res model.LikeResult
	if err := c.send(ctx, http.MethodPost, pollPath(pollID, "likes"), model.LikeRequest{UserID: userID}, &res); err != nil {
		return nil, fmt.Errorf("toggle like on poll %d: %w", pollID, err)
	}
	return &res, nil
}

// CheckUserLike reports whether userID likes a poll.
func (c *Client) CheckUserLike(ctx context.Context, pollID int64, userID string) (bool, error) {
	var status model.LikeStatus
	if err := c.get(ctx, pollPath(pollID, "likes", userID), nil, &status); err != nil {
		return false, fmt.Errorf("check like on poll %d: %w", pollID, err)
	}
	return status.IsLiked, nil
}
