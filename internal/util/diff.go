package util

import (
	"regexp"
	"strings"
)

// DiffBlock is a single ordered (search, replace) pair parsed from an LLM
// response in diff mode.
type DiffBlock struct {
	Search  string
	Replace string
}

var diffPattern = regexp.MustCompile(`(?s)<<<<<<< SEARCH\n(.*?)\n=======\n(.*?)\n>>>>>>> REPLACE`)

// ParseDiff scans a response string for SEARCH/REPLACE blocks. A nil slice
// (with no error) means no diff was found; callers treat that as
// evoerrors.ErrDiffParseEmpty and fall back to the parent code.
func ParseDiff(response string) []DiffBlock {
	matches := diffPattern.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return nil
	}
	blocks := make([]DiffBlock, 0, len(matches))
	for _, m := range matches {
		blocks = append(blocks, DiffBlock{Search: m[1], Replace: m[2]})
	}
	return blocks
}

// ApplyDiff replaces, in order, the first literal occurrence of each block's
// Search text with its Replace text. Non-matching blocks are skipped
// silently. If no block matched anything, the original text is returned
// unchanged (the caller surfaces evoerrors.ErrDiffNoMatch).
func ApplyDiff(code string, blocks []DiffBlock) (result string, anyMatched bool) {
	result = code
	for _, b := range blocks {
		if strings.Contains(result, b.Search) {
			result = strings.Replace(result, b.Search, b.Replace, 1)
			anyMatched = true
		}
	}
	return result, anyMatched
}

var fencedAnyPattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n?(.*?)```")

// ExtractCode pulls a fenced code block out of a full-rewrite LLM response.
// It prefers a block fenced with the given language tag, falls back to the
// first fenced block of any language, and finally returns the raw response.
func ExtractCode(response, lang string) string {
	if lang != "" {
		langPattern := regexp.MustCompile("(?s)```" + regexp.QuoteMeta(lang) + "\\n(.*?)```")
		if m := langPattern.FindStringSubmatch(response); m != nil {
			return m[1]
		}
	}
	if m := fencedAnyPattern.FindStringSubmatch(response); m != nil {
		return m[1]
	}
	return response
}
