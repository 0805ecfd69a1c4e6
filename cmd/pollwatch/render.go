package main

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/rickgao/polls-live/internal/connection"
	"github.com/rickgao/polls-live/internal/model"
	"github.com/rickgao/polls-live/internal/reconcile"
)

// renderer prints the poll list when it is reset and one line per live change.
type renderer struct {
	mu    sync.Mutex
	w     io.Writer
	polls func() []model.Poll
}

func newRenderer(w io.Writer, polls func() []model.Poll) *renderer {
	return &renderer{w: w, polls: polls}
}

func (r *renderer) change(c reconcile.Change[model.Poll]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch c.Kind {
	case reconcile.ChangeReset:
		r.table(r.polls())
	case reconcile.ChangeInserted:
		fmt.Fprintf(r.w, "+ %s\n", summary(c.Item))
	case reconcile.ChangeUpdated:
		fmt.Fprintf(r.w, "~ %s\n", summary(c.Item))
	}
}

func (r *renderer) state(s connection.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "* connection %s\n", s)
}

func (r *renderer) table(polls []model.Poll) {
	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tTITLE\tVOTES\tLIKES\tLEADING\n")
	for _, p := range polls {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", p.ID, p.Title, p.TotalVotes, p.LikeCount, leading(p))
	}
	tw.Flush()
	fmt.Fprintf(r.w, "(%d polls)\n", len(polls))
}

func summary(p model.Poll) string {
	return fmt.Sprintf("#%d %q votes=%d likes=%d leading=%s", p.ID, p.Title, p.TotalVotes, p.LikeCount, leading(p))
}

func leading(p model.Poll) string {
	opt, ok := p.Leading()
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%s (%.0f%%)", opt.Text, p.Share(opt)*100)
}
