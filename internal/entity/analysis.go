package entity

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Analysis is the typed view of analysis_result used by reports and exports. The stored
// document stays the source of truth; fields it carries beyond these are ignored here.
type Analysis struct {
	Diagnosis       Diagnosis       `json:"diagnosis"`
	Reputation      Reputation      `json:"reputation"`
	Pricing         Pricing         `json:"pricing"`
	Infrastructure  Infrastructure  `json:"infrastructure"`
	OnlinePresence  OnlinePresence  `json:"online_presence"`
	GuestExperience GuestExperience `json:"guest_experience"`
	KPIs            []KPI           `json:"kpis"`
}

type Diagnosis struct {
	Summary      string   `json:"summary"`
	OverallScore *float64 `json:"overall_score,omitempty"`
	Strengths    []string `json:"strengths,omitempty"`
	Weaknesses   []string `json:"weaknesses,omitempty"`
}

type Reputation struct {
	Summary          string   `json:"summary"`
	ReviewThemes     []string `json:"review_themes,omitempty"`
	ResponseStrategy string   `json:"response_strategy,omitempty"`
}

type Pricing struct {
	Assessment      string   `json:"assessment"`
	Recommendations []string `json:"recommendations,omitempty"`
	SuggestedRange  string   `json:"suggested_range,omitempty"`
}

type Infrastructure struct {
	Recommendations []Recommendation `json:"recommendations"`
}

type Recommendation struct {
	Item      string `json:"item"`
	Priority  string `json:"priority,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

type OnlinePresence struct {
	ListingScore               *float64 `json:"listing_score,omitempty"`
	TitleSuggestion            string   `json:"title_suggestion,omitempty"`
	PhotoRecommendations       []string `json:"photo_recommendations,omitempty"`
	DescriptionRecommendations []string `json:"description_recommendations,omitempty"`
}

type GuestExperience struct {
	Suggestions []string `json:"suggestions"`
}

// KPI is one tracked indicator. Current and Target may arrive as strings or numbers.
type KPI struct {
	Name      string     `json:"name"`
	Current   FlexString `json:"current,omitempty"`
	Target    FlexString `json:"target"`
	Timeframe string     `json:"timeframe,omitempty"`
}

// FlexString decodes a JSON string or number into text.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Analysis decodes AnalysisResult into the typed view.
func (s *Submission) Analysis() (Analysis, error) {
	var a Analysis
	if !s.HasAnalysis() {
		return a, nil
	}
	err := json.Unmarshal(s.AnalysisResult, &a)
	return a, err
}
