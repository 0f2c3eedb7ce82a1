package generator

import (
	"regexp"
	"strings"

	"memoryd/internal/model"
)

// Parser drives a small state machine over the generator's raw text
// stream, emitting whole <observation>, <summary> and <skip_summary>
// elements as soon as their closing tag (or self-closing form) appears —
// it never waits for an end-of-turn signal.
type Parser struct {
	buf strings.Builder
}

// ElementKind discriminates the three recognizable top-level tags. By
// construction every Element Feed returns has one of these kinds — there is
// no "unrecognized tag" case, because unrecognized text is simply left in
// the buffer. Text ahead of a recognized element is dropped together with
// that element; text that never precedes one stays buffered.
type ElementKind string

const (
	KindObservation ElementKind = "observation"
	KindSummary     ElementKind = "summary"
	KindSkip        ElementKind = "skip_summary"
)

type Element struct {
	Kind ElementKind
	Raw  string // inner body for observation/summary, empty for skip_summary
	Attrs map[string]string
}

var tagPattern = regexp.MustCompile(`(?is)<(observation|summary|skip_summary)([^>]*?)(/?)>`)

// Feed appends a text delta and returns every element that closed as a
// result. Call it once per StreamEvent with Text set.
func (p *Parser) Feed(chunk string) []Element {
	p.buf.WriteString(chunk)
	var out []Element
	for {
		el, consumed, ok := extractNext(p.buf.String())
		if !ok {
			break
		}
		out = append(out, el)
		remaining := p.buf.String()[consumed:]
		p.buf.Reset()
		p.buf.WriteString(remaining)
	}
	return out
}

// extractNext finds the first complete element in s and returns it along
// with how many bytes of s it consumed (so the caller can drop them from
// the buffer). ok is false if no complete element is present yet (a
// partial open tag at the end of the buffer is not an error, just not
// ready).
func extractNext(s string) (Element, int, bool) {
	loc := tagPattern.FindStringSubmatchIndex(s)
	if loc == nil {
		return Element{}, 0, false
	}
	tag := s[loc[2]:loc[3]]
	attrsRaw := s[loc[4]:loc[5]]
	selfClosing := loc[7] > loc[6] // the "/" group matched

	attrs := parseAttrs(attrsRaw)

	if selfClosing {
		return Element{Kind: ElementKind(tag), Attrs: attrs}, loc[1], true
	}

	closeTag := "</" + tag + ">"
	closeIdx := strings.Index(s[loc[1]:], closeTag)
	if closeIdx == -1 {
		// Closing tag not seen yet — wait for more stream input.
		return Element{}, 0, false
	}
	bodyStart := loc[1]
	bodyEnd := loc[1] + closeIdx
	consumed := bodyEnd + len(closeTag)
	return Element{Kind: ElementKind(tag), Raw: s[bodyStart:bodyEnd], Attrs: attrs}, consumed, true
}

var attrPattern = regexp.MustCompile(`([a-zA-Z_][\w-]*)\s*=\s*"([^"]*)"`)

func parseAttrs(raw string) map[string]string {
	out := map[string]string{}
	for _, m := range attrPattern.FindAllStringSubmatch(raw, -1) {
		out[m[1]] = m[2]
	}
	return out
}

// ParseObservation never rejects: the only failure mode is "no
// recognizable tag at all", which by construction of extractNext can't
// happen here — the caller only reaches this function after the scanner
// has already recognized an <observation> element. Every sub-field is
// individually optional; invalid or missing type coerces to "change"; the
// type value is filtered out of concepts; whitespace-only fields count as
// empty.
func ParseObservation(el Element) model.ObservationFields {
	typeRaw := firstNonEmpty(el.Attrs["type"], tagText(el.Raw, "type"))
	typ := model.NormalizeObservationType(strings.TrimSpace(typeRaw))

	fields := model.ObservationFields{
		Type:          typ,
		Title:         optionalString(firstNonEmpty(el.Attrs["title"], tagText(el.Raw, "title"))),
		Subtitle:      optionalString(firstNonEmpty(el.Attrs["subtitle"], tagText(el.Raw, "subtitle"))),
		Narrative:     optionalString(firstNonEmpty(el.Attrs["narrative"], tagText(el.Raw, "narrative"))),
		Facts:         extractItems(el.Raw, "facts", "fact"),
		Concepts:      extractItems(el.Raw, "concepts", "concept"),
		FilesRead:     extractItems(el.Raw, "files_read", "file"),
		FilesModified: extractItems(el.Raw, "files_modified", "file"),
	}
	fields.Concepts = filterOutType(fields.Concepts, typ)
	return fields
}

// ParseSummary mirrors ParseObservation for <summary> elements — every
// field nullable, nothing causes rejection.
func ParseSummary(el Element) model.SummaryFields {
	return model.SummaryFields{
		Request:      optionalString(firstNonEmpty(el.Attrs["request"], tagText(el.Raw, "request"))),
		Investigated: optionalString(firstNonEmpty(el.Attrs["investigated"], tagText(el.Raw, "investigated"))),
		Learned:      optionalString(firstNonEmpty(el.Attrs["learned"], tagText(el.Raw, "learned"))),
		Completed:    optionalString(firstNonEmpty(el.Attrs["completed"], tagText(el.Raw, "completed"))),
		NextSteps:    optionalString(firstNonEmpty(el.Attrs["next_steps"], tagText(el.Raw, "next_steps"))),
		Notes:        optionalString(firstNonEmpty(el.Attrs["notes"], tagText(el.Raw, "notes"))),
	}
}

func tagText(body, tag string) string {
	if body == "" {
		return ""
	}
	re := regexp.MustCompile(`(?is)<` + tag + `>(.*?)</` + tag + `>`)
	m := re.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}

func extractItems(body, containerTag, itemTag string) []string {
	container := tagText(body, containerTag)
	if strings.TrimSpace(container) == "" {
		return nil
	}
	re := regexp.MustCompile(`(?is)<` + itemTag + `>(.*?)</` + itemTag + `>`)
	matches := re.FindAllStringSubmatch(container, -1)
	var out []string
	for _, m := range matches {
		v := strings.TrimSpace(m[1])
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func filterOutType(concepts []string, typ model.ObservationType) []string {
	out := make([]string, 0, len(concepts))
	for _, c := range concepts {
		if c == string(typ) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
