package orchestrator

import "fmt"

// BuildResearchPrompt builds the system+user prompt pair for a fresh
// research fan-out call, per §6.2: JSON-only output, exactly 5 ideas,
// every field required, category from the fixed set, scores in
// [0,1], tags lowercase 3..6 keywords.
func BuildResearchPrompt(problemStatement string) (systemPrompt, userPrompt string) {
	systemPrompt = `You are a research ideation engine. Respond with JSON only, no ` +
		"markdown, no commentary outside the JSON object. Produce exactly 5 ideas. " +
		`Every field is required. "category" must be one of: technical, business, ` +
		`research, design, policy, other. "confidenceScore" and "noveltyScore" are ` +
		`numbers in [0,1]. "tags" is an array of 3 to 6 lowercase keywords. ` +
		`Output shape: {"ideas": [{"title","description","rationale","category",` +
		`"confidenceScore","noveltyScore","tags"}]}.`

	userPrompt = fmt.Sprintf("Problem statement:\n%s\n\nPropose 5 distinct ideas addressing this problem statement.", problemStatement)
	return systemPrompt, userPrompt
}

// depthInstruction is the per-depthLevel instruction body substituted
// into the deepening user prompt, per §6.3.
var depthInstruction = map[int]string{
	1: "Provide a strategic overview: market context, stakeholders, challenges, success metrics, timeline, and 3 to 5 concrete next steps.",
	2: "Provide a detailed implementation plan: architecture, resources required, risks with mitigations, competitive landscape, and a phased roadmap.",
	3: "Provide a full execution blueprint: a step-by-step guide, tools and vendors, team composition, KPIs, cost breakdown, compliance considerations, and 90-day, 6-month, and 1-year success metrics.",
}

// BuildDeepeningPrompt builds the system+user prompt pair for a single
// idea's elaboration, per §6.3. depthLevel must be validated to
// [1,3] by the caller.
func BuildDeepeningPrompt(problemStatement, ideaTitle, ideaDescription string, depthLevel int) (systemPrompt, userPrompt string) {
	systemPrompt = `You are a research deepening engine. Respond with JSON only, no ` +
		`markdown, no commentary outside the JSON object. Output shape: {"deepening": ` +
		`{"idea_title","depth_level","executive_summary","key_insights":[],` +
		`"detailed_analysis" (at least 100 characters),"action_items":[{"step",` +
		`"description","priority" (high|medium|low),"estimated_effort"?}],"risks":` +
		`[{"risk","severity","mitigation"?}],"success_metrics":[],"resources_needed":[],` +
		`"estimated_timeline","confidence_score"}}.`

	userPrompt = fmt.Sprintf(
		"Original problem statement:\n%s\n\nIdea to elaborate: %q\n%s\n\nDepth level %d instructions: %s",
		problemStatement, ideaTitle, ideaDescription, depthLevel, depthInstruction[depthLevel],
	)
	return systemPrompt, userPrompt
}
