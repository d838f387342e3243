// Package indexer turns extracted document text into embedded points in the
// vector store. It is used by the offline indexing command, never by the
// answering service.
package indexer

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	spaceRuns    = regexp.MustCompile(`[ \t]+`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
	paragraphSep = regexp.MustCompile(`\n\s*\n`)
	sectionMark  = regexp.MustCompile(`§\s*(\d+[a-zA-Z]*)`)
)

// CleanText folds line endings to \n, collapses runs of spaces and tabs, and
// squeezes three or more consecutive newlines down to a blank line.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRuns.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// DetectSection returns the first section label (e.g. "122a" from "§ 122a")
// found in text, or "" when none is present.
func DetectSection(text string) string {
	m := sectionMark.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// ChunkParagraphAware splits text into chunks of at most chunkSize
// characters, packing whole paragraphs where possible. Paragraphs larger
// than chunkSize fall back to character windowing. When overlap > 0, each
// chunk after the first is prefixed with the tail of its predecessor so
// passage boundaries do not lose context.
func ChunkParagraphAware(text string, chunkSize, overlap int) ([]string, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("indexer: chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("indexer: overlap must not be negative, got %d", overlap)
	}
	if overlap >= chunkSize {
		return nil, fmt.Errorf("indexer: overlap (%d) must be smaller than chunk size (%d)", overlap, chunkSize)
	}

	text = CleanText(text)
	if text == "" {
		return nil, nil
	}

	var paras []string
	for _, p := range paragraphSep.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	if len(paras) == 0 {
		return nil, nil
	}

	var (
		chunks     []string
		current    []string
		currentLen int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		chunk := strings.TrimSpace(strings.Join(current, "\n\n"))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current = nil
		currentLen = 0
	}

	for _, p := range paras {
		if len(p) > chunkSize {
			flush()
			chunks = append(chunks, chunkWindow(p, chunkSize, overlap)...)
			continue
		}

		addLen := len(p)
		if len(current) > 0 {
			addLen += 2 // joining "\n\n"
		}
		if currentLen+addLen <= chunkSize {
			current = append(current, p)
			currentLen += addLen
		} else {
			flush()
			current = append(current, p)
			currentLen = len(p)
		}
	}
	flush()

	// Trailing-character overlap between adjacent chunks, bounded so chunks
	// do not balloon past chunkSize+overlap.
	if overlap > 0 && len(chunks) > 1 {
		overlapped := []string{chunks[0]}
		for i := 1; i < len(chunks); i++ {
			prev := overlapped[len(overlapped)-1]
			tail := prev
			if len(prev) > overlap {
				tail = prev[len(prev)-overlap:]
			}
			merged := strings.TrimSpace(tail + "\n" + chunks[i])
			if len(merged) > chunkSize+overlap {
				merged = strings.TrimSpace(merged[:chunkSize+overlap])
			}
			overlapped = append(overlapped, merged)
		}
		chunks = overlapped
	}

	return chunks, nil
}

// chunkWindow slices text into fixed windows with trailing overlap. Used as
// the fallback for paragraphs larger than a whole chunk.
func chunkWindow(text string, chunkSize, overlap int) []string {
	text = CleanText(text)
	if text == "" {
		return nil
	}

	var chunks []string
	start := 0
	n := len(text)
	for start < n {
		end := start + chunkSize
		if end > n {
			end = n
		}
		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == n {
			break
		}
		start = end - overlap
	}
	return chunks
}
