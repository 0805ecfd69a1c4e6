package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Push event topics emitted by the poll server.
const (
	TopicPollCreated = "poll_created"
	TopicVoteUpdate  = "vote_update"
	TopicLikeUpdate  = "like_update"
)

// PollTopics lists every topic that carries a full Poll payload.
var PollTopics = []string{TopicPollCreated, TopicVoteUpdate, TopicLikeUpdate}

// ErrMissingID is returned for a poll payload without an id.
var ErrMissingID = errors.New("poll has no id")

// Validation limits applied to CreatePoll.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 1000
	MaxOptionLen      = 200
	MinOptions        = 2
	MaxOptions        = 10
)

// -----------------------------------------------------------------------------
// Entities
// -----------------------------------------------------------------------------

// Poll is the entity reconciled by the client. ID and CreatedAt never change;
// LikeCount, TotalVotes and option vote counts move as events arrive.
type Poll struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	LikeCount   int       `json:"like_count"`
	Options     []Option  `json:"options"`
	TotalVotes  int       `json:"total_votes"`
}

// Option is a single choice within a poll.
type Option struct {
	ID        int64  `json:"id,omitempty"`
	Text      string `json:"text"`
	VoteCount int    `json:"vote_count"`
}

// PollKey returns the identity of p.
func PollKey(p Poll) (int64, error) {
	if p.ID == 0 {
		return 0, ErrMissingID
	}
	return p.ID, nil
}

// Leading returns the option with the most votes. Ties go to the earliest
// option. ok is false when the poll has no options.
func (p Poll) Leading() (opt Option, ok bool) {
	for i, o := range p.Options {
		if i == 0 || o.VoteCount > opt.VoteCount {
			opt = o
		}
	}
	return opt, len(p.Options) > 0
}

// Share returns the fraction of TotalVotes held by o, or 0 when nobody voted.
func (p Poll) Share(o Option) float64 {
	if p.TotalVotes <= 0 {
		return 0
	}
	return float64(o.VoteCount) / float64(p.TotalVotes)
}

// -----------------------------------------------------------------------------
// Requests / responses
// -----------------------------------------------------------------------------

// CreatePoll is the body of a poll creation request.
type CreatePoll struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	CreatedBy   string         `json:"created_by"`
	Options     []CreateOption `json:"options"`
}

// CreateOption is an option within a CreatePoll request.
type CreateOption struct {
	Text string `json:"text"`
}

// Validate checks the request against the server's field limits.
func (c CreatePoll) Validate() error {
	title := strings.TrimSpace(c.Title)
	if title == "" {
		return errors.New("title is required")
	}
	if n := utf8.RuneCountInString(c.Title); n > MaxTitleLen {
		return fmt.Errorf("title must be at most %d characters, got %d", MaxTitleLen, n)
	}
	if n := utf8.RuneCountInString(c.Description); n > MaxDescriptionLen {
		return fmt.Errorf("description must be at most %d characters, got %d", MaxDescriptionLen, n)
	}
	if len(c.Options) < MinOptions || len(c.Options) > MaxOptions {
		return fmt.Errorf("poll needs between %d and %d options, got %d", MinOptions, MaxOptions, len(c.Options))
	}
	for i, o := range c.Options {
		if strings.TrimSpace(o.Text) == "" {
			return fmt.Errorf("option %d text is required", i+1)
		}
		if n := utf8.RuneCountInString(o.Text); n > MaxOptionLen {
			return fmt.Errorf("option %d must be at most %d characters, got %d", i+1, MaxOptionLen, n)
		}
	}
	return nil
}

// VoteRequest casts a vote for an option.
type VoteRequest struct {
	OptionID int64  `json:"option_id"`
	UserID   string `json:"user_id"`
}

// Vote is a recorded vote.
type Vote struct {
	ID        int64     `json:"id"`
	PollID    int64     `json:"poll_id"`
	OptionID  int64     `json:"option_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LikeRequest toggles a user's like on a poll.
type LikeRequest struct {
	UserID string `json:"user_id"`
}

// LikeResult is the response of a like toggle.
type LikeResult struct {
	IsLiked   bool `json:"is_liked"`
	LikeCount int  `json:"like_count"`
}

// LikeStatus reports whether a user currently likes a poll.
type LikeStatus struct {
	IsLiked bool `json:"is_liked"`
}
