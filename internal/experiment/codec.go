package experiment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Document types.
const (
	DocumentTypeResults       = "results"
	DocumentTypeManualRatings = "manualRatings"
)

var (
	// ErrUnknownDocument is returned for documents whose type is neither results nor manualRatings.
	ErrUnknownDocument = errors.New("unknown document type")
	// ErrMissingField is returned when a required field is absent or null.
	ErrMissingField = errors.New("missing required field")
	// ErrRunMismatch is returned when a manualRatings document belongs to another run.
	ErrRunMismatch = errors.New("document belongs to another run")
)

// Pair is one entry of a submission-keyed map at the serialization boundary.
type Pair[V any] struct {
	SubmissionID SubmissionID
	Value        V
}

// Pairs is an ordered list of submission-keyed entries. It is encoded as a
// JSON object keyed by the decimal submission id.
type Pairs[V any] []Pair[V]

// PairsFromMap returns the entries of m ordered by submission id.
func PairsFromMap[V any](m map[SubmissionID]V) Pairs[V] {
	out := make(Pairs[V], 0, len(m))
	for id, v := range m {
		out = append(out, Pair[V]{SubmissionID: id, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmissionID < out[j].SubmissionID })
	return out
}

// Map rebuilds the map. Later duplicates win.
func (p Pairs[V]) Map() map[SubmissionID]V {
	m := make(map[SubmissionID]V, len(p))
	for _, pair := range p {
		m[pair.SubmissionID] = pair.Value
	}
	return m
}

// MarshalJSON writes the pairs as an object, in slice order.
func (p Pairs[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pair := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(strconv.FormatInt(int64(pair.SubmissionID), 10)))
		buf.WriteByte(':')
		v, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding submission %d: %w", pair.SubmissionID, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object keyed by submission id, preserving document order.
func (p *Pairs[V]) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	out := Pairs[V]{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid submission id %q", key)
		}
		var v V
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decoding submission %d: %w", id, err)
		}
		out = append(out, Pair[V]{SubmissionID: SubmissionID(id), Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// ResultsDocument is the exported form of a Run.
type ResultsDocument struct {
	Type                               string                  `json:"type"`
	RunID                              string                  `json:"runId"`
	ExperimentID                       string                  `json:"experimentId,omitempty"`
	ModuleConfigurationID              string                  `json:"moduleConfigurationId,omitempty"`
	Step                               Step                    `json:"step"`
	DidSendSubmissions                 bool                    `json:"didSendSubmissions"`
	SentTrainingSubmissions            []SubmissionID          `json:"sentTrainingSubmissions"`
	SubmissionsWithFeedbackSuggestions Pairs[SuggestionResult] `json:"submissionsWithFeedbackSuggestions"`
}

// Run converts the document back into a Run.
func (d *ResultsDocument) Run() Run {
	suggestions := d.SubmissionsWithFeedbackSuggestions.Map()
	for id, result := range suggestions {
		result.Meta = normalizeMeta(result.Meta)
		suggestions[id] = result
	}
	return Run{
		RunID:                              d.RunID,
		Step:                               d.Step,
		DidSendSubmissions:                 d.DidSendSubmissions,
		SentTrainingSubmissions:            append([]SubmissionID(nil), d.SentTrainingSubmissions...),
		SubmissionsWithFeedbackSuggestions: suggestions,
	}
}

// normalizeMeta stores absent and JSON null meta as nil.
func normalizeMeta(meta []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(meta)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return append(json.RawMessage(nil), meta...)
}

// ManualRatingsDocument is the exported form of the manual rating index.
type ManualRatingsDocument struct {
	Type                         string                `json:"type"`
	RunID                        string                `json:"runId"`
	ExperimentID                 string                `json:"experimentId,omitempty"`
	ModuleConfigurationID        string                `json:"moduleConfigurationId,omitempty"`
	SubmissionsWithManualRatings Pairs[[]ManualRating] `json:"submissionsWithManualRatings"`
}

// Origin identifies the experiment and module configuration a run belongs to.
type Origin struct {
	ExperimentID          string
	ModuleConfigurationID string
}

// Export is the pair of documents produced for one run.
type Export struct {
	Results       ResultsDocument        `json:"results"`
	ManualRatings *ManualRatingsDocument `json:"manualRatings,omitempty"`
}

// NewExport builds the export documents for run. ManualRatings is nil when no
// submission has ratings.
func NewExport(origin Origin, run Run, ratings map[SubmissionID][]ManualRating) Export {
	sent := make([]SubmissionID, len(run.SentTrainingSubmissions))
	copy(sent, run.SentTrainingSubmissions)
	exp := Export{
		Results: ResultsDocument{
			Type:                               DocumentTypeResults,
			RunID:                              run.RunID,
			ExperimentID:                       origin.ExperimentID,
			ModuleConfigurationID:              origin.ModuleConfigurationID,
			Step:                               run.Step,
			DidSendSubmissions:                 run.DidSendSubmissions,
			SentTrainingSubmissions:            sent,
			SubmissionsWithFeedbackSuggestions: PairsFromMap(run.SubmissionsWithFeedbackSuggestions),
		},
	}
	if len(ratings) > 0 {
		exp.ManualRatings = &ManualRatingsDocument{
			Type:                         DocumentTypeManualRatings,
			RunID:                        run.RunID,
			ExperimentID:                 origin.ExperimentID,
			ModuleConfigurationID:        origin.ModuleConfigurationID,
			SubmissionsWithManualRatings: PairsFromMap(ratings),
		}
	}
	return exp
}

// Document is a decoded import. Exactly one of its fields is set.
type Document struct {
	Results       *ResultsDocument
	ManualRatings *ManualRatingsDocument
}

var resultsRequired = []string{
	"runId",
	"step",
	"didSendSubmissions",
	"sentTrainingSubmissions",
	"submissionsWithFeedbackSuggestions",
}

var manualRatingsRequired = []string{
	"runId",
	"submissionsWithManualRatings",
}

// DecodeDocument parses a results or manualRatings document. Required fields
// that are missing or null are rejected, as are duplicate training ids.
func DecodeDocument(data []byte) (*Document, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	var docType string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &docType); err != nil {
			return nil, fmt.Errorf("parsing document type: %w", err)
		}
	}

	switch docType {
	case DocumentTypeResults:
		if err := requireFields(fields, resultsRequired); err != nil {
			return nil, err
		}
		var doc ResultsDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing results: %w", err)
		}
		if err := checkUnique(doc.SentTrainingSubmissions); err != nil {
			return nil, err
		}
		return &Document{Results: &doc}, nil
	case DocumentTypeManualRatings:
		if err := requireFields(fields, manualRatingsRequired); err != nil {
			return nil, err
		}
		var doc ManualRatingsDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing manual ratings: %w", err)
		}
		return &Document{ManualRatings: &doc}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDocument, docType)
	}
}

func requireFields(fields map[string]json.RawMessage, names []string) error {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}
	return nil
}

func checkUnique(ids []SubmissionID) error {
	seen := make(map[SubmissionID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate training submission %d", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
