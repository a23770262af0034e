package processor

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stavekit/partflow/internal/segment"
	"github.com/stavekit/partflow/internal/session"
)

// Vision models wrap JSON in markdown fences, prepend prose, or emit numbers
// as strings. Everything here is about extracting a usable structure from
// that output without trusting any field's type.

// ExtractJSONObject returns the first balanced JSON object found in s,
// after stripping markdown code fences.
func ExtractJSONObject(s string) (string, bool) {
	s = stripFences(s)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// ParseMetadata leniently decodes a vision response into Metadata. The
// second return is false when no JSON object could be recovered at all.
// Individual malformed fields never fail the parse; they degrade to zero
// values or get dropped.
func ParseMetadata(raw string) (session.Metadata, bool) {
	obj, ok := ExtractJSONObject(raw)
	if !ok || !gjson.Valid(obj) {
		return session.Metadata{}, false
	}
	root := gjson.Parse(obj)

	meta := session.Metadata{
		Title:           strings.TrimSpace(root.Get("title").String()),
		Composer:        strings.TrimSpace(root.Get("composer").String()),
		Arranger:        strings.TrimSpace(root.Get("arranger").String()),
		IsMultiPart:     root.Get("isMultiPart").Bool(),
		ConfidenceScore: clampScore(int(root.Get("confidenceScore").Int())),
	}

	root.Get("cuttingInstructions").ForEach(func(_, item gjson.Result) bool {
		ci, ok := parseInstruction(item)
		if ok {
			meta.CuttingInstructions = append(meta.CuttingInstructions, ci)
		}
		return true
	})
	return meta, true
}

// parseInstruction decodes one instruction. Page ranges come either as
// pageRange [start, end] or as pageStart/pageEnd fields, 1-indexed.
func parseInstruction(item gjson.Result) (session.CuttingInstruction, bool) {
	if !item.IsObject() {
		return session.CuttingInstruction{}, false
	}
	start, end := 0, 0
	if pr := item.Get("pageRange"); pr.IsArray() {
		arr := pr.Array()
		if len(arr) >= 2 {
			start = int(arr[0].Int())
			end = int(arr[1].Int())
		} else if len(arr) == 1 {
			start = int(arr[0].Int())
			end = start
		}
	} else {
		start = int(item.Get("pageStart").Int())
		end = int(item.Get("pageEnd").Int())
	}
	if start <= 0 && end <= 0 {
		return session.CuttingInstruction{}, false
	}
	if end < start {
		end = start
	}

	instrument := strings.TrimSpace(item.Get("instrument").String())
	partName := strings.TrimSpace(item.Get("partName").String())
	if instrument == "" && partName == "" {
		return session.CuttingInstruction{}, false
	}
	if instrument == "" {
		instrument = partName
	}
	if partName == "" {
		partName = instrument
	}

	partNumber := int(item.Get("partNumber").Int())
	if partNumber <= 0 {
		partNumber = 1
	}
	return session.CuttingInstruction{
		PartName:      partName,
		Instrument:    instrument,
		Section:       strings.TrimSpace(item.Get("section").String()),
		Transposition: strings.TrimSpace(item.Get("transposition").String()),
		PartNumber:    partNumber,
		PageStart:     start,
		PageEnd:       end,
	}, true
}

// FallbackMetadata is the minimal valid structure used when the model
// response yields nothing usable: one full-score part spanning the whole
// document, confidence 0.
func FallbackMetadata(totalPages int) session.Metadata {
	return session.Metadata{
		Title:           "Unknown Score",
		IsMultiPart:     false,
		ConfidenceScore: 0,
		CuttingInstructions: []session.CuttingInstruction{{
			PartName:      "Full Score",
			Instrument:    "Full Score",
			Section:       "Score",
			Transposition: "C",
			PartNumber:    1,
			PageStart:     1,
			PageEnd:       totalPages,
		}},
	}
}

// ParseHeaderLabels decodes a header-crop labelling response. Pages in the
// response are 1-indexed within the batch; batchStart is the 0-based index
// of the batch's first page in the document.
func ParseHeaderLabels(raw string, batchStart, batchSize int) []segment.PageHeader {
	obj, ok := ExtractJSONObject(raw)
	if !ok || !gjson.Valid(obj) {
		return nil
	}
	var headers []segment.PageHeader
	gjson.Parse(obj).Get("labels").ForEach(func(_, item gjson.Result) bool {
		page := int(item.Get("page").Int())
		if page < 1 || page > batchSize {
			return true
		}
		text := strings.TrimSpace(item.Get("text").String())
		hasText := item.Get("hasText").Bool() && text != ""
		headers = append(headers, segment.PageHeader{
			PageIndex:  batchStart + page - 1,
			HeaderText: text,
			HasText:    hasText,
		})
		return true
	})
	return headers
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
