package users

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dhcgn/mbox-to-discourse/model"
)

// Directory is the part of the forum API used to list existing accounts.
type Directory interface {
	ListActiveUsers(ctx context.Context) ([]model.RemoteUser, error)
	UserEmail(ctx context.Context, id int, username string) (string, error)
}

// Reconciliation is the diff between archive authors and forum accounts.
type Reconciliation struct {
	// Missing holds author emails with no forum account, sorted.
	Missing []string
	// Existing holds the forum accounts with their canonical email filled in.
	Existing []model.RemoteUser
}

// Usernames returns the usernames already taken on the forum.
func (r Reconciliation) Usernames() []string {
	names := make([]string, 0, len(r.Existing))
	for _, u := range r.Existing {
		names = append(names, u.Username)
	}
	return names
}

// Reconcile fetches every active forum account and its email, and returns
// the authors whose email is not among them. Any failed call aborts.
func Reconcile(ctx context.Context, dir Directory, authors model.AuthorDirectory, logger *slog.Logger) (Reconciliation, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	remote, err := dir.ListActiveUsers(ctx)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("%w: list active users: %w", model.ErrReconciliation, err)
	}

	existing := make(map[string]bool, len(remote))
	res := Reconciliation{Existing: make([]model.RemoteUser, 0, len(remote))}
	for _, u := range remote {
		email, err := dir.UserEmail(ctx, u.ID, u.Username)
		if err != nil {
			return Reconciliation{}, fmt.Errorf("%w: email of user %s (%d): %w", model.ErrReconciliation, u.Username, u.ID, err)
		}
		u.Email = strings.ToLower(strings.TrimSpace(email))
		existing[u.Email] = true
		res.Existing = append(res.Existing, u)
	}

	for email := range authors {
		if !existing[email] {
			res.Missing = append(res.Missing, email)
		}
	}
	sort.Strings(res.Missing)

	logger.Info("users reconciled", "remote", len(remote), "authors", len(authors), "missing", len(res.Missing))
	if len(res.Missing) > 0 {
		logger.Debug("missing users", "emails", res.Missing)
	}

	return res, nil
}
