// Package intake validates and merges the structured pre-research context a
// decision needs before research begins.
package intake

import "strings"

// maxConstraints caps the constraints list after normalization.
const maxConstraints = 14

// minFieldLen is the minimum trimmed length for a scalar field to count as
// present.
const minFieldLen = 2

// Intake holds the structured fields gathered during the intake stage.
// Empty strings mean "not captured yet".
type Intake struct {
	Goal            string   `json:"goal,omitempty"`
	OptionsScope    string   `json:"optionsScope,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	Timeline        string   `json:"timeline,omitempty"`
	RiskTolerance   string   `json:"riskTolerance,omitempty"`
	SuccessCriteria string   `json:"successCriteria,omitempty"`
	MustAvoid       string   `json:"mustAvoid,omitempty"`
}

// requiredFields is the canonical order for missing-field reporting.
var requiredFields = []string{
	"goal",
	"optionsScope",
	"constraints",
	"timeline",
	"riskTolerance",
	"successCriteria",
}

// questions maps each required field to its fixed clarifying question.
var questions = map[string]string{
	"goal":            "What exact decision do you want to make?",
	"optionsScope":    "Which options or alternatives should I consider?",
	"constraints":     "What hard constraints should I respect (budget, location, deadlines)?",
	"timeline":        "When do you need to decide by?",
	"riskTolerance":   "How much risk are you comfortable with — play it safe or go bold?",
	"successCriteria": "How will you know the decision worked out?",
}

// Normalize trims all string fields, turns whitespace-only values into
// absent, deduplicates constraints case-insensitively preserving first-seen
// order, and caps constraints at 14.
func Normalize(in Intake) Intake {
	out := Intake{
		Goal:            strings.TrimSpace(in.Goal),
		OptionsScope:    strings.TrimSpace(in.OptionsScope),
		Timeline:        strings.TrimSpace(in.Timeline),
		RiskTolerance:   strings.TrimSpace(in.RiskTolerance),
		SuccessCriteria: strings.TrimSpace(in.SuccessCriteria),
		MustAvoid:       strings.TrimSpace(in.MustAvoid),
	}

	seen := make(map[string]bool, len(in.Constraints))
	for _, c := range in.Constraints {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		key := strings.ToLower(c)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Constraints = append(out.Constraints, c)
		if len(out.Constraints) == maxConstraints {
			break
		}
	}
	return out
}

// Merge applies patch onto current: constraints are concatenated (additive)
// before normalization, every other field in patch overrides current when
// present and non-empty.
func Merge(current, patch Intake) Intake {
	out := current
	out.Constraints = append(append([]string{}, current.Constraints...), patch.Constraints...)
	if strings.TrimSpace(patch.Goal) != "" {
		out.Goal = patch.Goal
	}
	if strings.TrimSpace(patch.OptionsScope) != "" {
		out.OptionsScope = patch.OptionsScope
	}
	if strings.TrimSpace(patch.Timeline) != "" {
		out.Timeline = patch.Timeline
	}
	if strings.TrimSpace(patch.RiskTolerance) != "" {
		out.RiskTolerance = patch.RiskTolerance
	}
	if strings.TrimSpace(patch.SuccessCriteria) != "" {
		out.SuccessCriteria = patch.SuccessCriteria
	}
	if strings.TrimSpace(patch.MustAvoid) != "" {
		out.MustAvoid = patch.MustAvoid
	}
	return Normalize(out)
}

// MissingFields returns the required fields not yet captured, in canonical
// order. A scalar field is missing when its trimmed length is below 2
// characters; constraints are missing when the list is empty.
func MissingFields(in Intake) []string {
	present := map[string]bool{
		"goal":            scalarPresent(in.Goal),
		"optionsScope":    scalarPresent(in.OptionsScope),
		"constraints":     len(Normalize(in).Constraints) > 0,
		"timeline":        scalarPresent(in.Timeline),
		"riskTolerance":   scalarPresent(in.RiskTolerance),
		"successCriteria": scalarPresent(in.SuccessCriteria),
	}

	var missing []string
	for _, f := range requiredFields {
		if !present[f] {
			missing = append(missing, f)
		}
	}
	return missing
}

func scalarPresent(v string) bool {
	return len(strings.TrimSpace(v)) >= minFieldLen
}

// Progress reports intake completeness as a fraction in [0,1].
func Progress(in Intake) float64 {
	total := float64(len(requiredFields))
	p := (total - float64(len(MissingFields(in)))) / total
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// IsComplete reports whether every required field is captured.
func IsComplete(in Intake) bool {
	return len(MissingFields(in)) == 0
}

// QuestionsFor maps missing fields to their fixed clarifying questions, in
// canonical field order, at most 4.
func QuestionsFor(missing []string) []string {
	var qs []string
	for _, f := range missing {
		q, ok := questions[f]
		if !ok {
			continue
		}
		qs = append(qs, q)
		if len(qs) == 4 {
			break
		}
	}
	return qs
}
