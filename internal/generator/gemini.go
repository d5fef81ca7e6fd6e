package generator

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
)

// Models is the part of the genai client the Gemini generator uses.
type Models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type GeminiConfig struct {
	Models Models
	Model  string
}

// Gemini generates test content with a Gemini model.
type Gemini struct {
	models Models
	model  string
}

func NewGemini(c GeminiConfig) *Gemini {
	return &Gemini{
		models: c.Models,
		model:  c.Model,
	}
}

// NewGeminiModels connects to the Gemini API.
func NewGeminiModels(ctx context.Context, apiKey string) (Models, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}

	return client.Models, nil
}

func (g *Gemini) GeneratePart(ctx context.Context, p Params) (*domain.ContentPart, error) {
	prompt := firstPartPrompt(p)
	if p.ContentID != "" {
		prompt = continuationPrompt(p)
	}

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, errors.New(errors.CodeGenerationFailed,
			errors.WithMessagef("content generator request failed"),
			errors.WithCause(err),
		)
	}

	part, err := ParsePart(responseText(resp))
	if err != nil {
		return nil, err
	}

	if p.ContentID != "" {
		part.ContentID = p.ContentID
	}
	if p.PartIndex > 0 {
		part.PartIndex = p.PartIndex
	}

	return part, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}

	return sb.String()
}

const partFormat = `{
  "test_id": "unique_test_id",
  "generated_part": 1,
  "total_parts": 1,
  "questions": [
    {
      "question_id": "unique_question_id",
      "question": "Example question?",
      "options": [
        { "id": "a1", "text": "Option 1" },
        { "id": "b1", "text": "Option 2" },
        { "id": "c1", "text": "Option 3" },
        { "id": "d1", "text": "Option 4" }
      ],
      "correct_answer_id": "a1",
      "explanation": "Why a1 is correct."
    }
  ],
  "continue": false
}`

func firstPartPrompt(p Params) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are an AI specialized in generating structured tests.\n")
	fmt.Fprintf(&sb, "Generate a test in %s with the following details:\n\n", p.Language)
	fmt.Fprintf(&sb, "- Subject: %s\n", p.Subject)
	fmt.Fprintf(&sb, "- Topic: %s\n", p.Topic)
	fmt.Fprintf(&sb, "- Difficulty Level: %s\n", p.Difficulty)
	fmt.Fprintf(&sb, "- Test Format: %s\n", p.Format)
	fmt.Fprintf(&sb, "- Number of Questions: %d\n", p.QuestionCount)
	if s := strings.TrimSpace(p.Instructions); s != "" {
		fmt.Fprintf(&sb, "- Additional instructions: %s\n", s)
	}
	fmt.Fprintf(&sb, "\nIf the questions do not fit in one response, split them into parts: set total_parts to your estimate and continue to true.\n")
	fmt.Fprintf(&sb, "Return valid JSON only, without markdown or extra text, following this structure:\n%s\n", partFormat)
	return sb.String()
}

func continuationPrompt(p Params) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Continue generating the test. Use the same format and language (%s).\n", p.Language)
	fmt.Fprintf(&sb, "Test ID: %s, Part: %d/%d.\n", p.ContentID, p.PartIndex, p.TotalParts)
	fmt.Fprintf(&sb, "Subject: %s, Topic: %s, Difficulty: %s, Format: %s, Number of Questions in total: %d.\n",
		p.Subject, p.Topic, p.Difficulty, p.Format, p.QuestionCount)
	fmt.Fprintf(&sb, "Set test_id to %q and continue to false once every question has been generated.\n", p.ContentID)
	fmt.Fprintf(&sb, "Return valid JSON only, following this structure:\n%s\n", partFormat)
	return sb.String()
}
