package experiment

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRun() Run {
	return Run{
		RunID:                   "run-1",
		Step:                    StepGeneratingFeedbackSuggestions,
		DidSendSubmissions:      true,
		SentTrainingSubmissions: []SubmissionID{1, 2},
		SubmissionsWithFeedbackSuggestions: map[SubmissionID]SuggestionResult{
			30: {Suggestions: []Feedback{{SubmissionID: 30, Title: "late"}}, Meta: json.RawMessage(`{"cost":2}`)},
			10: {Suggestions: []Feedback{}, Meta: json.RawMessage(`{}`)},
		},
	}
}

func TestExport_RoundTrip(t *testing.T) {
	origin := Origin{ExperimentID: "exp", ModuleConfigurationID: "cfg"}
	run := sampleRun()

	exp := NewExport(origin, run, nil)
	assert.Nil(t, exp.ManualRatings)

	data, err := json.Marshal(exp.Results)
	require.NoError(t, err)

	doc, err := DecodeDocument(data)
	require.NoError(t, err)
	require.NotNil(t, doc.Results)
	assert.Nil(t, doc.ManualRatings)

	got := doc.Results.Run()
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, run.Step, got.Step)
	assert.Equal(t, run.DidSendSubmissions, got.DidSendSubmissions)
	assert.Equal(t, run.SentTrainingSubmissions, got.SentTrainingSubmissions)
	require.Len(t, got.SubmissionsWithFeedbackSuggestions, 2)
	assert.Equal(t, "late", got.SubmissionsWithFeedbackSuggestions[30].Suggestions[0].Title)
	assert.JSONEq(t, `{"cost":2}`, string(got.SubmissionsWithFeedbackSuggestions[30].Meta))
	assert.Equal(t, "exp", doc.Results.ExperimentID)
}

func TestExport_RoundTripNilMeta(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	s.RecordFeedbackSuggestions(ctx, 10, []Feedback{{SubmissionID: 10, Title: "a"}}, nil)
	s.RecordFeedbackSuggestions(ctx, 11, []Feedback{}, []byte(`{"model":"m"}`))
	run := s.Snapshot()

	data, err := json.Marshal(NewExport(Origin{}, run, nil).Results)
	require.NoError(t, err)
	doc, err := DecodeDocument(data)
	require.NoError(t, err)

	got := doc.Results.Run()
	assert.Equal(t, run.SubmissionsWithFeedbackSuggestions, got.SubmissionsWithFeedbackSuggestions)
	assert.Nil(t, got.SubmissionsWithFeedbackSuggestions[10].Meta)
}

func TestExport_SuggestionsAreOrderedObject(t *testing.T) {
	exp := NewExport(Origin{}, sampleRun(), nil)

	pairs := exp.Results.SubmissionsWithFeedbackSuggestions
	require.Len(t, pairs, 2)
	assert.Equal(t, SubmissionID(10), pairs[0].SubmissionID)
	assert.Equal(t, SubmissionID(30), pairs[1].SubmissionID)

	data, err := json.Marshal(pairs)
	require.NoError(t, err)
	assert.Equal(t, `{"10":{"suggestions":[],"meta":{}},"30":{"suggestions":[{"exercise_id":0,"submission_id":30,"title":"late","credits":0,"meta":null}],"meta":{"cost":2}}}`, string(data))
}

func TestPairs_UnmarshalPreservesOrder(t *testing.T) {
	var pairs Pairs[int]
	require.NoError(t, json.Unmarshal([]byte(`{"5": 1, "2": 2, "9": 3}`), &pairs))

	ids := make([]SubmissionID, 0, len(pairs))
	for _, p := range pairs {
		ids = append(ids, p.SubmissionID)
	}
	assert.Equal(t, []SubmissionID{5, 2, 9}, ids)

	assert.Error(t, json.Unmarshal([]byte(`{"abc": 1}`), &pairs))
	assert.Error(t, json.Unmarshal([]byte(`[1, 2]`), &pairs))
}

func TestExport_ManualRatingsOnlyWhenPresent(t *testing.T) {
	likert := 4
	ratings := map[SubmissionID][]ManualRating{
		10: {{FeedbackID: 1, Likert: &likert}},
	}
	exp := NewExport(Origin{ExperimentID: "exp"}, sampleRun(), ratings)
	require.NotNil(t, exp.ManualRatings)
	assert.Equal(t, DocumentTypeManualRatings, exp.ManualRatings.Type)
	assert.Equal(t, "run-1", exp.ManualRatings.RunID)

	data, err := json.Marshal(exp.ManualRatings)
	require.NoError(t, err)
	doc, err := DecodeDocument(data)
	require.NoError(t, err)
	require.NotNil(t, doc.ManualRatings)
	got := doc.ManualRatings.SubmissionsWithManualRatings.Map()
	require.Len(t, got[10], 1)
	assert.Equal(t, 4, *got[10][0].Likert)
}

func TestExport_EmptyRunEncodesEmptyCollections(t *testing.T) {
	run := NewRun()
	data, err := json.Marshal(NewExport(Origin{}, run, nil).Results)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `[]`, string(raw["sentTrainingSubmissions"]))
	assert.JSONEq(t, `{}`, string(raw["submissionsWithFeedbackSuggestions"]))
	assert.JSONEq(t, `"notStarted"`, string(raw["step"]))
}

func TestDecodeDocument_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "unknown type",
			input:   `{"type":"settings","runId":"r"}`,
			wantErr: ErrUnknownDocument,
		},
		{
			name:    "no type",
			input:   `{"runId":"r"}`,
			wantErr: ErrUnknownDocument,
		},
		{
			name:    "missing step",
			input:   `{"type":"results","runId":"r","didSendSubmissions":true,"sentTrainingSubmissions":[],"submissionsWithFeedbackSuggestions":{}}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "null suggestions",
			input:   `{"type":"results","runId":"r","step":"finished","didSendSubmissions":true,"sentTrainingSubmissions":[],"submissionsWithFeedbackSuggestions":null}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "null runId",
			input:   `{"type":"results","runId":null,"step":"finished","didSendSubmissions":true,"sentTrainingSubmissions":[],"submissionsWithFeedbackSuggestions":{}}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "manual ratings without map",
			input:   `{"type":"manualRatings","runId":"r"}`,
			wantErr: ErrMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := DecodeDocument([]byte(tt.input))
			assert.Nil(t, doc)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecodeDocument_RejectsMalformedValues(t *testing.T) {
	inputs := map[string]string{
		"not json":        `{"type":`,
		"unknown step":    `{"type":"results","runId":"r","step":"paused","didSendSubmissions":true,"sentTrainingSubmissions":[],"submissionsWithFeedbackSuggestions":{}}`,
		"duplicate sent":  `{"type":"results","runId":"r","step":"finished","didSendSubmissions":true,"sentTrainingSubmissions":[1,1],"submissionsWithFeedbackSuggestions":{}}`,
		"bad key":         `{"type":"results","runId":"r","step":"finished","didSendSubmissions":true,"sentTrainingSubmissions":[],"submissionsWithFeedbackSuggestions":{"x":{}}}`,
		"type not string": `{"type":5}`,
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeDocument([]byte(input))
			assert.Error(t, err)
		})
	}
}
