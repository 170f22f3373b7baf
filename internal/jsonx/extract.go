package jsonx

import (
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Tolerant extraction of JSON values from LLM output. Model responses wrap
// JSON in prose, markdown fences, or emit slightly broken syntax (trailing
// commas, single quotes). The chain is: direct parse, fenced block, widest
// bracket range, each candidate additionally run through jsonrepair.

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractObject returns the first JSON object found in s.
func ExtractObject(s string) (RawMessage, bool) {
	return extract(s, '{', '}')
}

// ExtractArray returns the first JSON array found in s.
func ExtractArray(s string) (RawMessage, bool) {
	return extract(s, '[', ']')
}

func extract(s string, open, close byte) (RawMessage, bool) {
	for _, candidate := range candidates(s, open, close) {
		if raw, ok := tryParse(candidate, open); ok {
			return raw, true
		}
	}
	return nil, false
}

func candidates(s string, open, close byte) []string {
	out := []string{strings.TrimSpace(s)}
	if m := fencedBlockRe.FindStringSubmatch(s); m != nil {
		out = append(out, strings.TrimSpace(m[1]))
	}
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start >= 0 && end > start {
		out = append(out, s[start:end+1])
	}
	return out
}

func tryParse(candidate string, open byte) (RawMessage, bool) {
	if candidate == "" || candidate[0] != open {
		return nil, false
	}
	if Valid([]byte(candidate)) {
		return RawMessage(candidate), true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, false
	}
	repaired = strings.TrimSpace(repaired)
	if repaired == "" || repaired[0] != open || !Valid([]byte(repaired)) {
		return nil, false
	}
	return RawMessage(repaired), true
}

// UnmarshalObject extracts the first JSON object in s and decodes it into v.
func UnmarshalObject(s string, v any) bool {
	raw, ok := ExtractObject(s)
	if !ok {
		return false
	}
	return Unmarshal(raw, v) == nil
}

// UnmarshalArray extracts the first JSON array in s and decodes it into v.
func UnmarshalArray(s string, v any) bool {
	raw, ok := ExtractArray(s)
	if !ok {
		return false
	}
	return Unmarshal(raw, v) == nil
}
