package assistant

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GlucoseAbnormalThreshold is the reading (mg/dL) at or above which blood sugar is flagged.
const GlucoseAbnormalThreshold = 140.0

// Condition groups diagnoses that share follow-up guidance.
type Condition string

const (
	ConditionBloodSugar Condition = "blood_sugar"
	ConditionFever      Condition = "fever"
	ConditionGeneral    Condition = "general"
)

// ConditionFor maps a free-text diagnosis onto a Condition.
func ConditionFor(diagnosis string) Condition {
	d := strings.ToLower(diagnosis)
	switch {
	case strings.Contains(d, "sugar"), strings.Contains(d, "diabet"), strings.Contains(d, "glucose"):
		return ConditionBloodSugar
	case strings.Contains(d, "fever"):
		return ConditionFever
	default:
		return ConditionGeneral
	}
}

// Assessment summarizes extracted readings for the drafting prompt and the doctor.
type Assessment struct {
	Glucose  []float64
	Abnormal bool
	Findings []string
}

// Assess flags glucose readings at or above the threshold. Keys mentioning
// sugar or glucose are read as numbers, numeric strings, lists of either, or
// objects with a "value" field.
func Assess(data map[string]any) Assessment {
	var a Assessment
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lk := strings.ToLower(k)
		if !strings.Contains(lk, "sugar") && !strings.Contains(lk, "glucose") {
			continue
		}
		a.Glucose = append(a.Glucose, numbers(data[k])...)
	}
	for _, v := range a.Glucose {
		if v >= GlucoseAbnormalThreshold {
			a.Abnormal = true
			a.Findings = append(a.Findings, fmt.Sprintf("blood sugar %s mg/dL is at or above %.0f", strconv.FormatFloat(v, 'f', -1, 64), GlucoseAbnormalThreshold))
		}
	}
	return a
}

func numbers(v any) []float64 {
	switch t := v.(type) {
	case float64:
		return []float64{t}
	case int:
		return []float64{float64(t)}
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(t)), "mg/dl")), 64)
		if err != nil {
			return nil
		}
		return []float64{f}
	case []any:
		var out []float64
		for _, item := range t {
			out = append(out, numbers(item)...)
		}
		return out
	case map[string]any:
		return numbers(t["value"])
	}
	return nil
}
