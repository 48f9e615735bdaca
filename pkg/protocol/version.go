package protocol

import (
	"sort"
	"strings"
)

// Protocol revisions are dated YYYY-MM-DD strings. The fixed-width,
// zero-padded form makes byte-wise comparison equivalent to chronological
// order, so revisions are never parsed as calendar dates.
const (
	Revision20241007 = "2024-10-07"
	Revision20241105 = "2024-11-05"
	Revision20250326 = "2025-03-26"
)

// LatestRevision is the newest protocol revision this SDK implements.
const LatestRevision = Revision20250326

// SupportedRevisions lists the revisions this SDK accepts, oldest first.
var SupportedRevisions = []string{
	Revision20241007,
	Revision20241105,
	Revision20250326,
}

// ValidVersion reports whether v has the fixed-width YYYY-MM-DD shape.
func ValidVersion(v string) bool {
	if len(v) != 10 || v[4] != '-' || v[7] != '-' {
		return false
	}
	for i := 0; i < len(v); i++ {
		if i == 4 || i == 7 {
			continue
		}
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}

// CompareVersions orders two protocol versions byte-wise. The result follows
// strings.Compare semantics: -1 if a predates b, 0 if equal, +1 if a is newer.
func CompareVersions(a, b string) int {
	return strings.Compare(a, b)
}

// VersionNegotiator selects the protocol revision a session will use. It is
// immutable after construction and safe for concurrent use.
type VersionNegotiator struct {
	supported []string
}

// NewVersionNegotiator creates a negotiator over the given revisions, sorted
// ascending. With no arguments it uses SupportedRevisions.
func NewVersionNegotiator(versions ...string) *VersionNegotiator {
	if len(versions) == 0 {
		versions = SupportedRevisions
	}
	supported := make([]string, len(versions))
	copy(supported, versions)
	sort.Strings(supported)
	return &VersionNegotiator{supported: supported}
}

// Negotiate selects the revision for a session whose peer requested the given
// version. The policy is deterministic: an exactly supported version is
// returned unchanged; otherwise the newest supported version not newer than
// the request; if the request predates every supported version, the oldest
// supported one. differed reports whether the selection departs from the
// request, leaving the decision to proceed or abort to the caller. ok is
// false when requested is not a well-formed version string.
func (n *VersionNegotiator) Negotiate(requested string) (version string, differed bool, ok bool) {
	if !ValidVersion(requested) {
		return "", false, false
	}
	chosen := n.supported[0]
	for _, v := range n.supported {
		if CompareVersions(v, requested) > 0 {
			break
		}
		chosen = v
	}
	return chosen, chosen != requested, true
}

// Supports reports whether v is one of the negotiator's revisions.
func (n *VersionNegotiator) Supports(v string) bool {
	for _, s := range n.supported {
		if s == v {
			return true
		}
	}
	return false
}

// Supported returns the negotiator's revisions, oldest first.
func (n *VersionNegotiator) Supported() []string {
	out := make([]string, len(n.supported))
	copy(out, n.supported)
	return out
}
