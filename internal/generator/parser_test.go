package generator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryd/internal/generator"
	"memoryd/internal/model"
)

func TestParser_Feed_EmitsSelfClosingSkip(t *testing.T) {
	var p generator.Parser
	els := p.Feed("some preamble text <skip_summary/> trailing")
	require.Len(t, els, 1)
	assert.Equal(t, generator.KindSkip, els[0].Kind)
}

func TestParser_Feed_WaitsForClosingTagAcrossChunks(t *testing.T) {
	var p generator.Parser
	els := p.Feed("<observation><type>bugfix</type>")
	assert.Empty(t, els, "must not emit an element before its closing tag has streamed in")

	els = p.Feed("<title>fixed it</title></observation>")
	require.Len(t, els, 1)
	assert.Equal(t, generator.KindObservation, els[0].Kind)
	fields := generator.ParseObservation(els[0])
	assert.Equal(t, model.ObservationBugfix, fields.Type)
	require.NotNil(t, fields.Title)
	assert.Equal(t, "fixed it", *fields.Title)
}

func TestParser_Feed_EmitsMultipleElementsFromOneChunk(t *testing.T) {
	var p generator.Parser
	els := p.Feed("<observation><type>feature</type></observation><skip_summary/>")
	require.Len(t, els, 2)
	assert.Equal(t, generator.KindObservation, els[0].Kind)
	assert.Equal(t, generator.KindSkip, els[1].Kind)
}

func TestParseObservation_UnknownTypeCoercesToChange(t *testing.T) {
	el := generator.Element{Kind: generator.KindObservation, Raw: "<type>not-a-real-type</type>"}
	fields := generator.ParseObservation(el)
	assert.Equal(t, model.ObservationChange, fields.Type, "never-skip rule: unrecognized type coerces instead of rejecting")
}

func TestParseObservation_MissingTypeCoercesToChange(t *testing.T) {
	el := generator.Element{Kind: generator.KindObservation, Raw: "<title>no type tag at all</title>"}
	fields := generator.ParseObservation(el)
	assert.Equal(t, model.ObservationChange, fields.Type)
	require.NotNil(t, fields.Title)
}

func TestParseObservation_ConceptPurity(t *testing.T) {
	el := generator.Element{
		Kind: generator.KindObservation,
		Raw:  "<type>decision</type><concepts><concept>decision</concept><concept>caching</concept></concepts>",
	}
	fields := generator.ParseObservation(el)
	assert.Equal(t, model.ObservationDecision, fields.Type)
	assert.Equal(t, []string{"caching"}, fields.Concepts, "the type string must never appear among concepts")
}

func TestParseObservation_WhitespaceOnlyFieldsCountAsAbsent(t *testing.T) {
	el := generator.Element{
		Kind: generator.KindObservation,
		Raw:  "<type>change</type><title>   </title><narrative></narrative>",
	}
	fields := generator.ParseObservation(el)
	assert.Nil(t, fields.Title, "whitespace-only title must be treated as absent")
	assert.Nil(t, fields.Narrative)
}

func TestParseObservation_AttributeFormTakesPrecedenceOverElementForm(t *testing.T) {
	el := generator.Element{
		Kind:  generator.KindObservation,
		Attrs: map[string]string{"type": "discovery", "title": "from attribute"},
		Raw:   "<type>bugfix</type><title>from element</title>",
	}
	fields := generator.ParseObservation(el)
	assert.Equal(t, model.ObservationDiscovery, fields.Type)
	require.NotNil(t, fields.Title)
	assert.Equal(t, "from attribute", *fields.Title)
}

func TestParseSummary_EveryFieldOptional(t *testing.T) {
	el := generator.Element{Kind: generator.KindSummary, Raw: "<request>investigate flaky test</request>"}
	fields := generator.ParseSummary(el)
	require.NotNil(t, fields.Request)
	assert.Equal(t, "investigate flaky test", *fields.Request)
	assert.Nil(t, fields.Learned)
	assert.Nil(t, fields.NextSteps)
}
