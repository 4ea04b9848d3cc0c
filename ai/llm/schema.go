package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kt3v/EtherialSoul-Server/server/chat"
)

// Models are asked for a JSON array of blocks, but real completions arrive
// wrapped in markdown fences, prefixed with prose, or nested under a
// "blocks" key. The extractors here accept all of those shapes; anything
// else is ErrBadResponse.

const (
	maxBlockTypingTime = 30.0 // seconds; anything above is a model artifact
	maxBufferBlocks    = 50
)

type blockPayload struct {
	Text       string  `json:"text"`
	TypingTime float64 `json:"typingTime"`
	Group      int     `json:"group"`
}

type bufferEnvelope struct {
	Blocks []blockPayload `json:"blocks"`
}

// extractJSON returns the JSON payload inside a completion: the content of
// a ```json fence when present, otherwise the outermost array or object.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```"); idx >= 0 {
		rest := s[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			// Drop the language tag line ("json", "JSON", or empty).
			tag := strings.TrimSpace(rest[:nl])
			if len(tag) <= 8 {
				rest = rest[nl+1:]
			}
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return s
	}
	var closer byte = ']'
	if s[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s
	}
	return s[start : end+1]
}

// parseBlocks decodes a completion into a validated block buffer.
// Individual blank-text blocks are dropped rather than failing the whole
// buffer; only a payload with no usable block at all is ErrBadResponse.
func parseBlocks(raw string) ([]chat.Block, error) {
	payload := extractJSON(raw)

	var items []blockPayload
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		var env bufferEnvelope
		if err2 := json.Unmarshal([]byte(payload), &env); err2 != nil || env.Blocks == nil {
			return nil, fmt.Errorf("%w: not a block array: %v", ErrBadResponse, err)
		}
		items = env.Blocks
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty block array", ErrBadResponse)
	}
	if len(items) > maxBufferBlocks {
		items = items[:maxBufferBlocks]
	}

	blocks := make([]chat.Block, 0, len(items))
	prevGroup := 0
	for i, item := range items {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		tt := item.TypingTime
		if tt < 0 {
			tt = 0
		}
		if tt > maxBlockTypingTime {
			tt = maxBlockTypingTime
		}
		group := item.Group
		// Groups must be non-decreasing; a model that jumps backwards gets
		// its block folded into the current group.
		if i > 0 && group < prevGroup {
			group = prevGroup
		}
		prevGroup = group
		blocks = append(blocks, chat.Block{Text: text, TypingTime: tt, Group: group})
	}

	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: all blocks empty", ErrBadResponse)
	}
	return blocks, nil
}

// parseVerdict decodes a relevance verdict. The prompt asks for a bare
// YES or NO; models pad it anyway, so matching is lenient.
func parseVerdict(raw string) (bool, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, "\"'.!` ")

	switch {
	case s == "yes" || s == "no":
		return s == "yes", nil
	case strings.HasPrefix(s, "yes"):
		return true, nil
	case strings.HasPrefix(s, "no"):
		return false, nil
	}

	// Scan the first line for a verdict word buried in prose.
	line := s
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	hasYes := strings.Contains(line, "yes")
	hasNo := strings.Contains(line, "no")
	if hasYes != hasNo {
		return hasYes, nil
	}
	return false, fmt.Errorf("%w: unreadable verdict %q", ErrBadResponse, raw)
}
