package pipeline

import (
	"fmt"
	"strings"

	"github.com/quaestor-ai/quaestor/pkg/vectorstore"
)

// contextSeparator joins context entries. Its length counts against the
// character budget for every entry after the first.
const contextSeparator = "\n\n"

// citationMarker renders the traceability prefix for one passage from its
// metadata. Both section and page may be absent on sparse corpora; the marker
// degrades gracefully and disappears entirely when neither is known.
func citationMarker(md vectorstore.Metadata) string {
	switch {
	case md.Section != "" && md.Page > 0:
		return fmt.Sprintf("[§ %s, p.%d]", md.Section, md.Page)
	case md.Section != "":
		return fmt.Sprintf("[§ %s]", md.Section)
	case md.Page > 0:
		return fmt.Sprintf("[p.%d]", md.Page)
	case md.Source != "":
		return fmt.Sprintf("[%s]", md.Source)
	default:
		return ""
	}
}

// contextEntry renders one passage as it appears in the assembled context.
func contextEntry(p vectorstore.Passage) string {
	text := strings.TrimSpace(p.Text)
	if marker := citationMarker(p.Metadata); marker != "" {
		return marker + " " + text
	}
	return text
}

// AssembleContext merges passages into a single bounded context string.
//
// Passages are taken greedily in the given order: blank texts are skipped,
// and a passage whose entry (plus separator overhead) would push the total
// past maxChars is dropped entirely rather than truncated mid-passage.
// Greedy prefix-fill, not best-fit packing: later passages are not considered
// once one is dropped for size, keeping assembly O(n) and order-preserving.
//
// An empty result is valid and means no passage fit or none was given.
func AssembleContext(passages []vectorstore.Passage, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}

	var b strings.Builder
	for _, p := range passages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		entry := contextEntry(p)
		need := len(entry)
		if b.Len() > 0 {
			need += len(contextSeparator)
		}
		if b.Len()+need > maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteString(contextSeparator)
		}
		b.WriteString(entry)
	}
	return b.String()
}
