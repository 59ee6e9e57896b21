// Package ai holds the adapters to external and local AI capabilities:
// speech-to-text, clinical entity extraction and prescription
// suggestion. Everything here is stateless; policy (retries, deadlines,
// transitions) lives in the pipeline.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/clinqo/clinqo/internal/apperr"
	"github.com/clinqo/clinqo/internal/domain/encounter"
)

// Transcriber turns intake audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// WhisperClient calls a Whisper-compatible transcription service over
// multipart HTTP.
type WhisperClient struct {
	url        string
	httpClient *http.Client
}

func NewWhisperClient(url string) *WhisperClient {
	return &WhisperClient{
		url: url,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type sttResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

func (c *WhisperClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.ExternalServicef("transcription request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", apperr.ExternalServicef("transcription service returned %s: %s", resp.Status, string(respBody))
	}

	var result sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperr.ExternalServicef("decode transcription response").WithCause(err)
	}
	return result.Text, nil
}

// knownSymptoms is the keyword vocabulary matched against transcripts,
// ordered so multi-word symptoms are found as written.
var knownSymptoms = []string{
	"fever", "headache", "cough", "body pain", "fatigue",
	"nausea", "vomiting", "diarrhea", "constipation", "dizziness",
	"chest pain", "back pain", "stomach pain", "sore throat",
	"runny nose", "stuffy nose", "shortness of breath", "weakness",
	"joint pain", "muscle pain", "chills", "sweating", "rash",
	"itching", "swelling", "bruising", "bleeding", "numbness",
	"tingling", "blurred vision", "ear pain", "tooth pain",
	"difficulty swallowing", "loss of appetite", "weight loss",
	"weight gain", "insomnia", "drowsiness", "anxiety", "depression",
}

var agePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{1,3})\s*-\s*year[-\s]*old`),
	regexp.MustCompile(`(\d{1,3})\s*years?\s*old`),
	regexp.MustCompile(`(\d{1,3})\s*yr[-\s]*old`),
	regexp.MustCompile(`(\d{1,3})\s*y\.?o\.?`),
	regexp.MustCompile(`age\s*(?:is\s*|of\s*)?(\d{1,3})`),
	regexp.MustCompile(`i'?m\s*(\d{1,3})`),
	regexp.MustCompile(`(\d{1,3})\s*years?\s*of\s*age`),
}

var (
	malePattern   = regexp.MustCompile(`\b(male|man|boy|gentleman)\b`)
	femalePattern = regexp.MustCompile(`\b(female|woman|girl|lady)\b`)
)

var durationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:for\s+)?(?:the\s+)?(?:last|past)\s+(\w+\s+\w+|\w+)`),
	regexp.MustCompile(`(?:for\s+)?(\w+\s+(?:days?|weeks?|months?|years?))`),
	regexp.MustCompile(`since\s+(\w+(?:\s+\w+)?)`),
	regexp.MustCompile(`(\w+\s+(?:days?|weeks?|months?|years?))\s+(?:ago|back)`),
	regexp.MustCompile(`about\s+(\w+\s+(?:days?|weeks?|months?|years?))`),
	regexp.MustCompile(`around\s+(\w+\s+(?:days?|weeks?|months?|years?))`),
	regexp.MustCompile(`(?:for\s+)?(?:about\s+)?(\d+\s+(?:days?|weeks?|months?|years?))`),
}

var whitespace = regexp.MustCompile(`\s+`)

// EntityExtractor pulls structured clinical facts out of free-text
// intake transcripts with pattern matching. Local and deterministic; no
// network calls.
type EntityExtractor struct {
	symptomPatterns map[string]*regexp.Regexp
}

func NewEntityExtractor() *EntityExtractor {
	patterns := make(map[string]*regexp.Regexp, len(knownSymptoms))
	for _, s := range knownSymptoms {
		patterns[s] = regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
	}
	return &EntityExtractor{symptomPatterns: patterns}
}

// Extract parses age, gender, symptoms and duration from the
// transcript. When no known symptom matches, the trimmed transcript
// itself becomes the single symptom so downstream steps always have
// something to reason over.
func (e *EntityExtractor) Extract(transcript string) encounter.ClinicalContext {
	text := strings.ToLower(transcript)

	cctx := encounter.ClinicalContext{
		Age:        extractAge(text),
		Gender:     extractGender(text),
		Symptoms:   e.extractSymptoms(text),
		Duration:   extractDuration(text),
		Transcript: transcript,
	}
	if len(cctx.Symptoms) == 0 {
		if trimmed := strings.TrimSpace(transcript); trimmed != "" {
			cctx.Symptoms = []string{trimmed}
		}
	}
	return cctx
}

func extractAge(text string) *int {
	for _, p := range agePatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		age, err := strconv.Atoi(m[1])
		if err != nil || age < 0 || age > 120 {
			continue
		}
		return &age
	}
	return nil
}

func extractGender(text string) string {
	// Female terms first: "female" contains "male".
	if femalePattern.MatchString(text) {
		return "female"
	}
	if malePattern.MatchString(text) {
		return "male"
	}
	return ""
}

func (e *EntityExtractor) extractSymptoms(text string) []string {
	var found []string
	for _, s := range knownSymptoms {
		if e.symptomPatterns[s].MatchString(text) {
			found = append(found, s)
		}
	}
	return found
}

func extractDuration(text string) string {
	for _, p := range durationPatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		return whitespace.ReplaceAllString(strings.TrimSpace(m[1]), " ")
	}
	return ""
}

// ContextExtractor composes transcription and entity extraction into
// the pipeline's extraction step. The transcriber is only consulted for
// audio intakes; text intakes go straight to entity extraction.
type ContextExtractor struct {
	transcriber Transcriber
	entities    *EntityExtractor
}

func NewContextExtractor(transcriber Transcriber) *ContextExtractor {
	return &ContextExtractor{
		transcriber: transcriber,
		entities:    NewEntityExtractor(),
	}
}

func (x *ContextExtractor) Extract(ctx context.Context, intakeText string, audio []byte) (encounter.ClinicalContext, error) {
	transcript := intakeText
	if transcript == "" && len(audio) > 0 {
		if x.transcriber == nil {
			return encounter.ClinicalContext{}, apperr.ExternalServicef("no transcription service configured for audio intake")
		}
		text, err := x.transcriber.Transcribe(ctx, audio)
		if err != nil {
			return encounter.ClinicalContext{}, err
		}
		transcript = text
	}
	if strings.TrimSpace(transcript) == "" {
		return encounter.ClinicalContext{}, fmt.Errorf("empty intake transcript")
	}
	return x.entities.Extract(transcript), nil
}
