package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiEstimator implements ArrivalEstimator using Google's Gemini models.
// It is an optional drop-in for the weighted heuristic; the scheduler treats
// both identically and absorbs failures as a conservative WAIT.
type GeminiEstimator struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	proximity ProximitySource
}

// NewGeminiEstimator initializes a new Gemini-backed estimator.
// apiKey should be provided from environment variables.
func NewGeminiEstimator(ctx context.Context, apiKey string, proximity ProximitySource) (*GeminiEstimator, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	// Gemini 2.0 Flash for low latency; the scheduler allows 2 seconds.
	model := client.GenerativeModel("gemini-2.0-flash")

	// Force JSON response for structured parsing.
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.2)

	return &GeminiEstimator{client: client, model: model, proximity: proximity}, nil
}

// Close cleans up the Gemini client resources.
func (e *GeminiEstimator) Close() {
	e.client.Close()
}

// geminiEstimate is the structured output requested from the model.
type geminiEstimate struct {
	// Probability (0.0-1.0) that enough passengers join the group soon.
	Probability float64 `json:"probability"`
	// Reason is a short, rider-facing explanation.
	Reason string `json:"reason"`
}

func (e *GeminiEstimator) EstimateArrival(ctx context.Context, snap GroupSnapshot) (Estimate, error) {
	pendingCount := 0
	if e.proximity != nil {
		recent, err := e.proximity.RecentRequests(ctx, snap.RouteID)
		if err == nil {
			pendingCount = len(recent)
		}
	}

	prompt := buildEstimatePrompt(snap, pendingCount)

	resp, err := e.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return Estimate{}, fmt.Errorf("gemini generation error: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Estimate{}, fmt.Errorf("no response candidates from Gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		}
	}

	// Strip markdown fences even in JSON mode.
	cleanJSON := cleanJSONString(responseText.String())

	var out geminiEstimate
	if err := json.Unmarshal([]byte(cleanJSON), &out); err != nil {
		return Estimate{}, fmt.Errorf("failed to parse JSON response: %w. Raw: %s", err, cleanJSON)
	}

	return Estimate{Probability: clamp01(out.Probability), Basis: out.Reason}, nil
}

func buildEstimatePrompt(snap GroupSnapshot, pendingCount int) string {
	return fmt.Sprintf(`Role: You are the dispatch core for a shared rickshaw queue.

A ride group is forming and you must predict whether more passengers will
join it within the next minute or two.

Group state:
- Route: %s
- Seats filled: %d of %d
- Waiting for: %d seconds
- Recent join requests on this route (last ~2 minutes): %d
- Local time: %s (%s)

Guidance:
- Commute hours and fresh demand on the route push the probability up.
- Long waits with no recent requests push it down sharply.
- A group one seat short of full tends to attract the last passenger.

Respond with JSON only:
{
  "probability": number between 0.0 and 1.0,
  "reason": "one short sentence a passenger could read"
}
`,
		snap.RouteID,
		snap.Size, snap.MaxSize,
		snap.WaitSeconds,
		pendingCount,
		snap.Now.Format("15:04"), snap.Now.Weekday(),
	)
}

// cleanJSONString removes markdown code blocks if present (e.g. ```json ... ```)
func cleanJSONString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "```json")
	input = strings.TrimPrefix(input, "```")
	input = strings.TrimSuffix(input, "```")
	return strings.TrimSpace(input)
}
