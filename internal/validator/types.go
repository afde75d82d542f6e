package validator

import "encoding/json"

// ResearchPayload is the decoded shape of a validated research
// response (§6.2).
type ResearchPayload struct {
	Ideas []IdeaPayload `json:"ideas"`
}

// IdeaPayload is one model-proposed idea before persistence assigns
// it a stored id, cluster id, or duplicate flag.
type IdeaPayload struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Rationale       string   `json:"rationale"`
	Category        string   `json:"category"`
	ConfidenceScore float64  `json:"confidenceScore"`
	NoveltyScore    float64  `json:"noveltyScore"`
	Tags            []string `json:"tags"`
}

// DeepeningPayload is the decoded shape of a validated deepening
// response (§6.3).
type DeepeningPayload struct {
	Deepening DeepeningBody `json:"deepening"`
}

// DeepeningBody is the elaborated content of one deepening response.
type DeepeningBody struct {
	IdeaTitle          string             `json:"idea_title"`
	DepthLevel         int                `json:"depth_level"`
	ExecutiveSummary   string             `json:"executive_summary"`
	KeyInsights        []string           `json:"key_insights"`
	DetailedAnalysis   string             `json:"detailed_analysis"`
	ActionItems        []ActionItem       `json:"action_items"`
	Risks              []Risk             `json:"risks"`
	SuccessMetrics     []string           `json:"success_metrics"`
	ResourcesNeeded    []string           `json:"resources_needed"`
	EstimatedTimeline  string             `json:"estimated_timeline"`
	ConfidenceScore    float64            `json:"confidence_score"`
}

// ActionItem is one step of a deepening's action plan.
type ActionItem struct {
	Step             string `json:"step"`
	Description      string `json:"description"`
	Priority         string `json:"priority"`
	EstimatedEffort  string `json:"estimated_effort,omitempty"`
}

// Risk is one identified risk within a deepening.
type Risk struct {
	Risk       string `json:"risk"`
	Severity   string `json:"severity"`
	Mitigation string `json:"mitigation,omitempty"`
}

// DecodeResearch re-marshals a validated Result.Value into a typed
// ResearchPayload. Call only after Parse has already validated the
// document against KindResearch.
func DecodeResearch(v map[string]any) (ResearchPayload, error) {
	var out ResearchPayload
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeDeepening re-marshals a validated Result.Value into a typed
// DeepeningPayload. Call only after Parse has already validated the
// document against KindDeepening.
func DecodeDeepening(v map[string]any) (DeepeningPayload, error) {
	var out DeepeningPayload
	raw, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
