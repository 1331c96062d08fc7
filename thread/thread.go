// Package thread rebuilds mailing-list threads from an mbox archive.
//
// The archive is scanned three times. The first pass collects eligible
// authors, the second indexes every message that parses, and the third
// attaches replies to each known message their References header names.
package thread

import (
	"fmt"
	"log/slog"

	"github.com/dhcgn/mbox-to-discourse/filter"
	"github.com/dhcgn/mbox-to-discourse/mbox"
	"github.com/dhcgn/mbox-to-discourse/model"
	"github.com/dhcgn/mbox-to-discourse/parser"
)

type Options struct {
	Senders filter.Senders
	Parser  parser.Options
	Logger  *slog.Logger
}

// Result is the outcome of a build. Forest and Authors are read-only once
// Build returns.
type Result struct {
	Forest      *model.Forest
	Authors     model.AuthorDirectory
	Records     int
	Attachments int
}

func Build(src mbox.Source, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	res := &Result{
		Forest:  model.NewForest(),
		Authors: make(model.AuthorDirectory),
	}

	err := src.Each(func(rec mbox.Record) error {
		res.Records++
		name, email, ok := parser.Sender(rec.Header)
		if !ok || !opts.Senders.Allows(email) {
			return nil
		}
		res.Authors[email] = name
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("author pass: %w", err)
	}
	if res.Records == 0 {
		return nil, fmt.Errorf("%w: archive contains no messages", model.ErrArchive)
	}
	logger.Debug("author pass complete", "records", res.Records, "authors", len(res.Authors))

	err = src.Each(func(rec mbox.Record) error {
		_, email, ok := parser.Sender(rec.Header)
		if !ok {
			return nil
		}
		if _, known := res.Authors[email]; !known {
			return nil
		}
		msg, ok := parser.Parse(rec, email, opts.Parser)
		if !ok {
			return nil
		}
		if res.Forest.Put(msg) {
			logger.Debug("duplicate message id, keeping the later record", "messageID", msg.ID, "index", rec.Index)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("message pass: %w", err)
	}
	logger.Debug("message pass complete", "messages", res.Forest.Len())

	err = src.Each(func(rec mbox.Record) error {
		refs := parser.References(rec.Header)
		if len(refs) == 0 {
			return nil
		}
		_, email, _ := parser.Sender(rec.Header)

		var (
			child  model.Message
			parsed bool
		)
		for _, ref := range refs {
			if !res.Forest.Has(ref) {
				continue
			}
			if !parsed {
				var ok bool
				child, ok = parser.Parse(rec, email, opts.Parser)
				if !ok {
					return nil
				}
				parsed = true
			}
			if child.ID == ref {
				continue
			}
			// A reply naming several known ancestors is attached under each.
			res.Forest.Attach(ref, child)
			res.Attachments++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reply pass: %w", err)
	}

	res.Forest.SortChildren()
	logger.Info("threads built",
		"records", res.Records,
		"authors", len(res.Authors),
		"messages", res.Forest.Len(),
		"roots", len(res.Forest.Roots()),
		"attachments", res.Attachments,
	)

	return res, nil
}
