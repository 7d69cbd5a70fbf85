package feed

import (
	"bytes"
	"fmt"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Classify extracts post creates and deletes from a commit event. Ops for
// other collections, updates and non-commit events are ignored. Ops that
// cannot be interpreted are left out and reported in skipped; they never
// fail the event.
func Classify(evt *CommitEvent) (ops OpsByType, skipped []error) {
	if evt == nil || evt.Kind != KindCommit {
		return ops, nil
	}

	for _, op := range evt.Ops {
		uri, err := syntax.ParseATURI(fmt.Sprintf("at://%s/%s", evt.Repo, op.Path))
		if err != nil {
			skipped = append(skipped, fmt.Errorf("failed to parse record uri (path: %q): %w", op.Path, err))
			continue
		}

		if uri.Collection().String() != PostCollection {
			continue
		}

		switch op.Action {
		case ActionCreate:
			if len(op.Record) == 0 {
				skipped = append(skipped, fmt.Errorf("create missing record bytes (path: %q)", op.Path))
				continue
			}
			rec, err := decodePost(op.Record)
			if err != nil {
				skipped = append(skipped, fmt.Errorf("failed to decode post record (path: %q): %w", op.Path, err))
				continue
			}
			ops.Creates = append(ops.Creates, PostCreate{
				URI:    uri.String(),
				CID:    op.CID,
				Record: rec,
			})
		case ActionDelete:
			ops.Deletes = append(ops.Deletes, PostDelete{URI: uri.String()})
		}
	}

	return ops, skipped
}

func decodePost(raw []byte) (PostRecord, error) {
	var post appbsky.FeedPost
	if err := post.UnmarshalCBOR(bytes.NewReader(raw)); err != nil {
		return PostRecord{}, err
	}

	rec := PostRecord{Text: post.Text}
	if post.Reply != nil {
		if post.Reply.Parent != nil && post.Reply.Parent.Uri != "" {
			parent := post.Reply.Parent.Uri
			rec.ReplyParent = &parent
		}
		if post.Reply.Root != nil && post.Reply.Root.Uri != "" {
			root := post.Reply.Root.Uri
			rec.ReplyRoot = &root
		}
	}
	return rec, nil
}
