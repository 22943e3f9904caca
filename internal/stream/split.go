package stream

import (
	"regexp"
	"strings"
)

// Tunables, matching the original stream writer exactly.
const (
	WindowSize        = 4000 // chars — margin below the messaging API's 4096 limit
	DraftThrottle      = 500 // milliseconds between draft updates
	MessageLimit      = 4096 // messaging API hard character limit
	NewlineSearchTail = 200  // look for a newline within the last N chars of a boundary
)

// SplitPlainText splits text into segments no longer than MessageLimit,
// preferring to break at the last newline within NewlineSearchTail chars
// of the boundary, falling back to a hard break at MessageLimit.
func SplitPlainText(text string) []string {
	if len(text) <= MessageLimit {
		return []string{text}
	}

	var segments []string
	remaining := text
	for {
		if len(remaining) <= MessageLimit {
			segments = append(segments, remaining)
			return segments
		}

		boundary := MessageLimit
		searchStart := boundary - NewlineSearchTail
		if searchStart < 0 {
			searchStart = 0
		}
		if pos := strings.LastIndexByte(remaining[searchStart:boundary], '\n'); pos >= 0 {
			candidate := searchStart + pos + 1
			if candidate > 0 {
				boundary = candidate
			}
		}

		segments = append(segments, remaining[:boundary])
		remaining = remaining[boundary:]
	}
}

// SlidingWindow returns the tail of buffer that fits in a draft update,
// prefixed with an ellipsis marker when truncated.
func SlidingWindow(buffer string) string {
	if len(buffer) <= WindowSize {
		return buffer
	}
	return "…\n" + buffer[len(buffer)-WindowSize:]
}

var tagToken = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(?:\s+[^<>]*)?>`)

// blockTags are the tags in the messaging API's inline HTML subset that
// enclose other block-level content rather than flowing inline with text
// (currently just <pre>). Everything else in the subset (b, i, u, s, code,
// a) is inline.
var blockTags = map[string]bool{"pre": true}

// SplitFormatted splits an inline-HTML-markup string into segments no
// longer than MessageLimit, keeping every segment independently
// well-formed. When the innermost open tag at a break is a block tag, or
// is enclosed (at any depth) by one, every open tag is closed at the break
// and the same stack is reopened at the top of the next segment. When the
// innermost open tag is instead an inline tag with no block tag anywhere
// in its ancestry, the split point backtracks to just before that inline
// tag opened, so it isn't awkwardly closed and reopened mid-element — it
// simply starts fresh in the next segment, with any of its own still-open
// ancestors closed and reopened around it as usual.
func SplitFormatted(html string) []string {
	if len(html) <= MessageLimit {
		return []string{html}
	}

	type piece struct {
		text      string
		openName  string // non-empty if this piece opens a tag
		closeName string // non-empty if this piece closes a tag
	}

	var pieces []piece
	last := 0
	for _, loc := range tagToken.FindAllStringIndex(html, -1) {
		if loc[0] > last {
			pieces = append(pieces, piece{text: html[last:loc[0]]})
		}
		tag := html[loc[0]:loc[1]]
		name := tagName(tag)
		if strings.HasPrefix(tag, "</") {
			pieces = append(pieces, piece{text: tag, closeName: name})
		} else {
			pieces = append(pieces, piece{text: tag, openName: name})
		}
		last = loc[1]
	}
	if last < len(html) {
		pieces = append(pieces, piece{text: html[last:]})
	}

	var segments []string
	var cur strings.Builder

	// stack mirrors the currently open tags; stackOpen holds each tag's
	// exact opening text (so an <a href="..."> reopens with its attributes
	// intact rather than a bare "<a>"); stackAt holds the byte offset into
	// cur at which each tag's opening text begins.
	var stack []string
	var stackOpen []string
	var stackAt []int

	closeCost := func(s []string) int {
		n := 0
		for _, name := range s {
			n += len("</" + name + ">")
		}
		return n
	}

	// backtrackPoint returns the stack index of the innermost open tag when
	// it qualifies for backtracking (it, and every tag enclosing it, is
	// inline), or -1 if there is no open tag or a block tag appears
	// anywhere in the ancestry.
	backtrackPoint := func() int {
		if len(stack) == 0 {
			return -1
		}
		for _, name := range stack {
			if blockTags[name] {
				return -1
			}
		}
		return len(stack) - 1
	}

	flush := func() {
		if idx := backtrackPoint(); idx >= 0 && stackAt[idx] > 0 {
			full := cur.String()
			split := stackAt[idx]
			head, tail := full[:split], full[split:]

			for i := idx - 1; i >= 0; i-- {
				head += "</" + stack[i] + ">"
			}
			segments = append(segments, head)

			cur.Reset()
			for i := 0; i < idx; i++ {
				stackAt[i] = cur.Len()
				cur.WriteString(stackOpen[i])
			}
			reopenLen := cur.Len()
			cur.WriteString(tail)
			for i := idx; i < len(stackAt); i++ {
				stackAt[i] = reopenLen + (stackAt[i] - split)
			}
			return
		}

		for i := len(stack) - 1; i >= 0; i-- {
			cur.WriteString("</" + stack[i] + ">")
		}
		segments = append(segments, cur.String())
		cur.Reset()
		for i, open := range stackOpen {
			stackAt[i] = cur.Len()
			cur.WriteString(open)
		}
	}

	for _, p := range pieces {
		switch {
		case p.openName != "":
			newStack := append(append([]string{}, stack...), p.openName)
			if cur.Len()+len(p.text)+closeCost(newStack) > MessageLimit && cur.Len() > 0 {
				flush()
			}
			stackAt = append(stackAt, cur.Len())
			stackOpen = append(stackOpen, p.text)
			cur.WriteString(p.text)
			stack = newStack
		case p.closeName != "" && len(stack) > 0 && stack[len(stack)-1] == p.closeName:
			newStack := stack[:len(stack)-1]
			if cur.Len()+len(p.text)+closeCost(newStack) > MessageLimit && cur.Len() > 0 {
				flush()
			}
			cur.WriteString(p.text)
			stack = newStack
			stackAt = stackAt[:len(stackAt)-1]
			stackOpen = stackOpen[:len(stackOpen)-1]
		default:
			remaining := p.text
			for len(remaining) > 0 {
				budget := MessageLimit - closeCost(stack) - cur.Len()
				if budget <= 0 {
					flush()
					budget = MessageLimit - closeCost(stack) - cur.Len()
				}
				if len(remaining) <= budget {
					cur.WriteString(remaining)
					break
				}
				cut := budget
				searchStart := cut - NewlineSearchTail
				if searchStart < 0 {
					searchStart = 0
				}
				if pos := strings.LastIndexByte(remaining[searchStart:cut], '\n'); pos >= 0 {
					candidate := searchStart + pos + 1
					if candidate > 0 {
						cut = candidate
					}
				}
				cur.WriteString(remaining[:cut])
				remaining = remaining[cut:]
				flush()
			}
		}
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments
}

func tagName(tag string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(tag, "</"), "<")
	trimmed = strings.TrimSuffix(trimmed, ">")
	if idx := strings.IndexAny(trimmed, " \t"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
