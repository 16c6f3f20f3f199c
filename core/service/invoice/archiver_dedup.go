package invoice

// DuplicateGuard answers whether a message already has an Invoice for the user.
type DuplicateGuard struct {
	seen map[string]struct{}
}

// NewDuplicateGuard builds a guard from the recorded message ids.
func NewDuplicateGuard(recorded map[string]struct{}) *DuplicateGuard {
	seen := make(map[string]struct{}, len(recorded))
	for id := range recorded {
		seen[id] = struct{}{}
	}
	return &DuplicateGuard{seen: seen}
}

// Seen reports whether messageID is already recorded.
func (g *DuplicateGuard) Seen(messageID string) bool {
	_, ok := g.seen[messageID]
	return ok
}

// Mark records messageID for the rest of the run.
func (g *DuplicateGuard) Mark(messageID string) {
	g.seen[messageID] = struct{}{}
}
