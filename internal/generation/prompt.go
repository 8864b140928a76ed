package generation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/markmilk20020610-art/monster-saas/pkg/entitlements"
)

// DocumentType is the archival format requested for a specimen.
type DocumentType string

const (
	DocNecropsyReport      DocumentType = "necropsy_report"
	DocEncounterLog        DocumentType = "encounter_log"
	DocContainmentProtocol DocumentType = "containment_protocol"
)

const (
	MinIntensity     = 1
	MaxIntensity     = 5
	DefaultIntensity = 4

	maxConceptRunes = 500
	redactionMark   = "████"
)

// ErrInvalidPrompt wraps every prompt validation failure.
var ErrInvalidPrompt = errors.New("invalid prompt")

var documentTitles = map[DocumentType]string{
	DocNecropsyReport:      "Necropsy Report",
	DocEncounterLog:        "Encounter Log",
	DocContainmentProtocol: "Containment Protocol",
}

// PromptSpec is the caller's request: a short specimen description plus presentation knobs.
type PromptSpec struct {
	Concept      string       `json:"concept"`
	DocumentType DocumentType `json:"document_type,omitempty"`
	Intensity    int          `json:"intensity,omitempty"`
}

// Normalize fills defaults and validates the spec.
func (s PromptSpec) Normalize() (PromptSpec, error) {
	s.Concept = strings.TrimSpace(s.Concept)
	if s.Concept == "" {
		return s, fmt.Errorf("%w: concept is required", ErrInvalidPrompt)
	}
	if utf8.RuneCountInString(s.Concept) > maxConceptRunes {
		return s, fmt.Errorf("%w: concept exceeds %d characters", ErrInvalidPrompt, maxConceptRunes)
	}

	s.DocumentType = DocumentType(strings.ToLower(strings.TrimSpace(string(s.DocumentType))))
	if s.DocumentType == "" {
		s.DocumentType = DocNecropsyReport
	}
	if _, ok := documentTitles[s.DocumentType]; !ok {
		return s, fmt.Errorf("%w: unknown document type %q", ErrInvalidPrompt, s.DocumentType)
	}

	if s.Intensity == 0 {
		s.Intensity = DefaultIntensity
	}
	if s.Intensity < MinIntensity || s.Intensity > MaxIntensity {
		return s, fmt.Errorf("%w: intensity must be between %d and %d", ErrInvalidPrompt, MinIntensity, MaxIntensity)
	}
	return s, nil
}

// Title is the human-readable document type.
func (t DocumentType) Title() string {
	if title, ok := documentTitles[t]; ok {
		return title
	}
	return string(t)
}

const systemPrompt = `You are the chief pathologist of Vanguard, a clandestine organisation that catalogues anomalous organisms.
Every answer is a single archival document written in a cold, clinical register with pseudo-scientific terminology (Latin binomials, biometric measurements).`

// Render turns a normalized spec and the caller's policy into a backend request.
func Render(spec PromptSpec, policy entitlements.Policy) Request {
	var b strings.Builder

	fmt.Fprintf(&b, "Write a %s for the following specimen: %q.\n\n", spec.DocumentType.Title(), spec.Concept)
	b.WriteString("Requirements:\n")
	b.WriteString("1. Format it as an official classified document with a file ID, date and location header.\n")
	b.WriteString("2. Use pseudo-scientific jargon throughout.\n")
	fmt.Fprintf(&b, "3. Keep the tone cold and clinical at horror intensity %d of %d.\n", spec.Intensity, MaxIntensity)
	fmt.Fprintf(&b, "4. %s\n", redactionInstruction(policy.RedactionCeiling))
	b.WriteString("5. Write the main document in English, then finish with a short summary in Chinese.\n")

	n := 6
	if policy.Has(entitlements.FeatureExtendedSections) {
		fmt.Fprintf(&b, "%d. Add extended sections: a detailed anatomical appendix and a timestamped incident timeline.\n", n)
		n++
	}
	if policy.Has(entitlements.FeatureBossEntity) {
		fmt.Fprintf(&b, "%d. Close with an annex describing the apex entity of this lineage and why it has not been contained.\n", n)
	}

	return Request{
		System:     systemPrompt,
		Prompt:     b.String(),
		Candidates: policy.BatchSize,
		Redaction:  policy.RedactionCeiling,
	}
}

func redactionInstruction(ceiling entitlements.RedactionCeiling) string {
	switch ceiling {
	case entitlements.RedactionNone:
		return "Do not redact anything; this reader holds full clearance."
	case entitlements.RedactionStandard:
		return fmt.Sprintf("Redact names, coordinates and casualty counts with %s.", redactionMark)
	default:
		return fmt.Sprintf("Redact heavily with %s: names, coordinates, casualty counts, anatomical specifics and any containment weakness.", redactionMark)
	}
}
