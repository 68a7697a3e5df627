package analyzer

// analysisPrompt is intentionally minimal; the production prompt and its
// JSON schema are owned by the prompt-engineering side and injected at
// deploy time through configuration overrides.
const analysisPrompt = `You are a sales call analyst. Analyze the call transcript and respond ` +
	`with a JSON object containing: "summary" (string), "sentiment" ` +
	`(positive|neutral|negative), "score" (0-10) and "action_items" (array of strings).`
