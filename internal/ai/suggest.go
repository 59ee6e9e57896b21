package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/clinqo/clinqo/internal/apperr"
	"github.com/clinqo/clinqo/internal/domain/encounter"
	"github.com/clinqo/clinqo/internal/domain/feedback"
)

// OpenRouterClient produces prescription candidates through an
// OpenRouter-compatible chat completions endpoint.
type OpenRouterClient struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client
}

func NewOpenRouterClient(apiKey, url, model string, httpClient *http.Client) *OpenRouterClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenRouterClient{
		apiKey:     apiKey,
		url:        url,
		model:      model,
		httpClient: httpClient,
	}
}

const systemPrompt = "You are a clinical decision support assistant for a small outpatient clinic. " +
	"You propose prescription suggestions for a doctor to review; you never make final decisions."

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// assessment is the JSON shape the model is instructed to return.
type assessment struct {
	ClinicalSummary   string   `json:"clinical_summary"`
	PossibleDiagnoses []string `json:"possible_diagnoses"`
	ConfidenceScore   float64  `json:"confidence_score"`
	Medications       []struct {
		MedicineName string `json:"medicine_name"`
		Dosage       string `json:"dosage"`
		Frequency    string `json:"frequency"`
		Duration     string `json:"duration"`
		Instructions string `json:"instructions"`
	} `json:"medications"`
	FollowUp string `json:"follow_up"`
}

// Suggest builds a prompt from the clinical context, biased by the
// doctor's profile when one exists for this presentation, and parses
// the model output into a candidate. The caller owns retry and deadline
// policy; a single call makes a single request.
func (c *OpenRouterClient) Suggest(ctx context.Context, cctx encounter.ClinicalContext, profile *feedback.Profile) (*encounter.Candidate, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: c.buildPrompt(cctx, profile)},
		},
		Temperature: 0.3,
		MaxTokens:   600,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal suggestion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.ExternalServicef("suggestion request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, apperr.ExternalServicef("suggestion service returned %s: %s", resp.Status, string(respBody))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, apperr.ExternalServicef("decode suggestion response").WithCause(err)
	}
	if len(chat.Choices) == 0 {
		return nil, apperr.ExternalServicef("suggestion response contained no choices")
	}

	a, err := parseAssessment(chat.Choices[0].Message.Content)
	if err != nil {
		return nil, apperr.ExternalServicef("unparseable suggestion output").WithCause(err)
	}
	return c.toCandidate(a), nil
}

func (c *OpenRouterClient) buildPrompt(cctx encounter.ClinicalContext, profile *feedback.Profile) string {
	age := "unknown"
	if cctx.Age != nil {
		age = fmt.Sprintf("%d", *cctx.Age)
	}
	gender := cctx.Gender
	if gender == "" {
		gender = "unknown"
	}
	duration := cctx.Duration
	if duration == "" {
		duration = "unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Patient Information:\n")
	fmt.Fprintf(&b, "- Age: %s\n", age)
	fmt.Fprintf(&b, "- Gender: %s\n", gender)
	fmt.Fprintf(&b, "- Symptoms: %s\n", strings.Join(cctx.Symptoms, ", "))
	fmt.Fprintf(&b, "- Duration: %s\n", duration)

	if pref, weight, ok := profile.Preferred(feedback.Signature(cctx)); ok {
		meds := make([]string, 0, len(pref.Medications))
		for _, m := range pref.Medications {
			meds = append(meds, m.Name)
		}
		fmt.Fprintf(&b, "\nFor similar presentations this doctor has previously prescribed %s (%s), observed weight %.2f. "+
			"Prefer this choice unless the patient details argue against it.\n",
			pref.Diagnosis, strings.Join(meds, ", "), weight)
	}

	b.WriteString(`
Respond with this EXACT JSON format and nothing else:
{
  "clinical_summary": "Brief assessment of the patient's condition",
  "possible_diagnoses": ["Most likely condition", "Alternative possibility"],
  "confidence_score": 0.75,
  "medications": [
    {
      "medicine_name": "Medicine Name",
      "dosage": "XXmg",
      "frequency": "X times daily",
      "duration": "X days",
      "instructions": "Take with food/water"
    }
  ],
  "follow_up": "When the patient should return"
}
`)
	return b.String()
}

// parseAssessment tolerates models that wrap the JSON in a fenced code
// block or surround it with prose.
func parseAssessment(content string) (*assessment, error) {
	raw := content
	if i := strings.Index(raw, "```json"); i >= 0 {
		raw = raw[i+len("```json"):]
		if j := strings.Index(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	} else if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}

	var a assessment
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &a); err != nil {
		return nil, err
	}
	if len(a.PossibleDiagnoses) == 0 {
		return nil, fmt.Errorf("assessment carries no diagnosis")
	}
	return &a, nil
}

func (c *OpenRouterClient) toCandidate(a *assessment) *encounter.Candidate {
	meds := make([]encounter.Medication, 0, len(a.Medications))
	for _, m := range a.Medications {
		meds = append(meds, encounter.Medication{
			Name:         m.MedicineName,
			Dosage:       m.Dosage,
			Frequency:    m.Frequency,
			Duration:     m.Duration,
			Instructions: m.Instructions,
		})
	}
	return &encounter.Candidate{
		Prescription: encounter.Prescription{
			Diagnosis:    a.PossibleDiagnoses[0],
			Medications:  meds,
			Instructions: a.ClinicalSummary,
			FollowUp:     a.FollowUp,
		},
		Confidence:  a.ConfidenceScore,
		SourceModel: c.model,
	}
}
