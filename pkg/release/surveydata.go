package release

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/techmatters/serverless-sub000/pkg/bot"
)

// Insights targets.
const (
	TargetCustomers     = "customers"
	TargetConversations = "conversations"
)

// OneToManyConfigSpec folds several bot answers into one insights field.
type OneToManyConfigSpec struct {
	Target        string   `json:"target"`
	AttributeName string   `json:"attributeName"`
	Questions     []string `json:"questions"`
}

// UnmarshalJSON also accepts the "insightsObject" spelling of target.
func (s *OneToManyConfigSpec) UnmarshalJSON(data []byte) error {
	var raw struct {
		Target         string   `json:"target"`
		InsightsObject string   `json:"insightsObject"`
		AttributeName  string   `json:"attributeName"`
		Questions      []string `json:"questions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Target = raw.Target
	if s.Target == "" {
		s.Target = raw.InsightsObject
	}
	s.AttributeName = raw.AttributeName
	s.Questions = raw.Questions
	return nil
}

// Validate checks the spec is usable.
func (s OneToManyConfigSpec) Validate() error {
	if s.Target != TargetCustomers && s.Target != TargetConversations {
		return fmt.Errorf("unknown insights target %q", s.Target)
	}
	if s.AttributeName == "" {
		return fmt.Errorf("missing attribute name")
	}
	return nil
}

// SurveyData is the insights payload: target -> attribute -> joined answers.
type SurveyData map[string]map[string]string

// BuildSurveyData joins, per spec, the answers to its questions with
// delimiter. A question without an answer contributes "".
func BuildSurveyData(specs []OneToManyConfigSpec, memory bot.Memory, delimiter string) SurveyData {
	out := SurveyData{}
	for _, spec := range specs {
		values := make([]string, 0, len(spec.Questions))
		for _, q := range spec.Questions {
			values = append(values, memory[q])
		}
		if out[spec.Target] == nil {
			out[spec.Target] = map[string]string{}
		}
		out[spec.Target][spec.AttributeName] = strings.Join(values, delimiter)
	}
	return out
}

// MergeInsights deep-merges the survey data into the task attributes and
// returns the new attribute JSON.
func MergeInsights(taskAttributes string, data SurveyData) (string, error) {
	base := map[string]interface{}{}
	if strings.TrimSpace(taskAttributes) != "" {
		if err := json.Unmarshal([]byte(taskAttributes), &base); err != nil {
			return "", fmt.Errorf("decode task attributes: %w", err)
		}
		if base == nil {
			base = map[string]interface{}{}
		}
	}

	overlay := map[string]interface{}{}
	for target, fields := range data {
		m := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			m[k] = v
		}
		overlay[target] = m
	}

	merged := deepMerge(base, overlay)
	out, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	for k, sv := range src {
		srcMap, srcIsMap := sv.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			dst[k] = deepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = sv
	}
	return dst
}
