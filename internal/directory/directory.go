// Package directory resolves a subject name to a delivery address.
//
// Resolution happens once per inbound event, before any task is created:
// a subject with no resolvable recipient cannot receive any rule's
// notifications, so the whole expansion aborts instead of producing a
// partial schedule.
package directory

import (
	"context"
	"errors"
	"fmt"

	"remindd/internal/notify"
)

var ErrNotFound = errors.New("recipient not found")

type Resolver interface {
	Resolve(ctx context.Context, subject string) (notify.Target, error)
}

// Static is a config-backed resolver: an explicit subject -> chat map with
// an optional catch-all default (e.g. a shared HR channel).
type Static struct {
	recipients map[string]int64
	defaultID  int64
}

func NewStatic(recipients map[string]int64, defaultChatID int64) *Static {
	cp := make(map[string]int64, len(recipients))
	for k, v := range recipients {
		cp[k] = v
	}
	return &Static{recipients: cp, defaultID: defaultChatID}
}

func (s *Static) Resolve(_ context.Context, subject string) (notify.Target, error) {
	if id, ok := s.recipients[subject]; ok {
		return notify.Target{ChatID: id}, nil
	}
	if s.defaultID != 0 {
		return notify.Target{ChatID: s.defaultID}, nil
	}
	return notify.Target{}, fmt.Errorf("%w: %s", ErrNotFound, subject)
}
