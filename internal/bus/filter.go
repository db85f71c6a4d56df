package bus

import (
	"slices"
	"strings"

	"github.com/agentcommander/controlplane/internal/wire"
)

// matches evaluates a shallow key-equality filter against attrs, honoring
// the reserved session_ids array and status CSV list.
// A nil filter behaves like an empty one: it matches everything except an
// unbatched publish about an archived session.
//
// attrs.SessionIDs set (rather than the singular SessionID) means this is a
// batched publish spanning multiple sessions — a bulk operation's single
// sessions.changed. Session-id-scoped filters still narrow against the
// batch's id set, but Status/Archived/GroupID/HostID pass a batched publish
// through unfiltered: one Attrs cannot represent those fields' differing
// per-session values, and the payload itself carries each session's actual
// state for the subscriber to re-derive.
func matches(f *wire.TopicFilter, attrs Attrs) bool {
	if f == nil {
		f = &wire.TopicFilter{}
	}
	batched := len(attrs.SessionIDs) > 0
	if f.SessionID != "" {
		if batched {
			if !slices.Contains(attrs.SessionIDs, f.SessionID) {
				return false
			}
		} else if f.SessionID != attrs.SessionID {
			return false
		}
	}
	if len(f.SessionIDs) > 0 {
		if batched {
			if !intersects(f.SessionIDs, attrs.SessionIDs) {
				return false
			}
		} else if !slices.Contains(f.SessionIDs, attrs.SessionID) {
			return false
		}
	}
	if batched {
		return true
	}
	if f.Status != "" {
		wanted := strings.Split(f.Status, ",")
		found := false
		for _, w := range wanted {
			if strings.TrimSpace(w) == attrs.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.IncludeArchived && attrs.Archived {
		return false
	}
	if f.GroupID != "" && f.GroupID != attrs.GroupID {
		return false
	}
	if f.HostID != "" && f.HostID != attrs.HostID {
		return false
	}
	return true
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}
