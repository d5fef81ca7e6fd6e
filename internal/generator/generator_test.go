package generator_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/victornm/examlive/internal/errors"
	"github.com/victornm/examlive/internal/generator"
)

const validPart = `{
  "test_id": "t-1",
  "generated_part": 1,
  "total_parts": 3,
  "questions": [
    {
      "question_id": "q1",
      "question": "2 + 2 = ?",
      "options": [{"id": "a", "text": "3"}, {"id": "b", "text": "4"}],
      "correct_answer_id": "b",
      "explanation": "basic arithmetic"
    }
  ],
  "continue": true
}`

func TestParsePart(t *testing.T) {
	tests := map[string]struct {
		text    string
		wantErr bool
	}{
		"plain json":                 {text: validPart},
		"json inside a code fence":   {text: "```json\n" + validPart + "\n```"},
		"empty output":               {text: "  ", wantErr: true},
		"not json":                   {text: "Sure! Here is your test:", wantErr: true},
		"missing continuation flag":  {text: `{"questions": []}`, wantErr: true},
		"question without options":   {text: `{"questions": [{"question_id": "q", "question": "?", "options": [], "correct_answer_id": "a"}], "continue": false}`, wantErr: true},
		"correct answer not offered": {text: `{"questions": [{"question_id": "q", "question": "?", "options": [{"id": "a", "text": "x"}, {"id": "b", "text": "y"}], "correct_answer_id": "c"}], "continue": false}`, wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			part, err := generator.ParsePart(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.IsCode(err, errors.CodeGenerationFailed))
				return
			}

			require.NoError(t, err)
			assert.Equal(t, "t-1", part.ContentID)
			assert.Equal(t, 1, part.PartIndex)
			assert.Equal(t, 3, part.TotalPartsEstimate)
			assert.True(t, part.Continue)
			require.Len(t, part.Questions, 1)
			assert.Equal(t, "2 + 2 = ?", part.Questions[0].Prompt)
			assert.Equal(t, "b", part.Questions[0].CorrectOptionID)
			assert.Len(t, part.Questions[0].Options, 2)
		})
	}
}

func TestGemini_GeneratePart(t *testing.T) {
	t.Run("continuation keeps the content id", func(t *testing.T) {
		m := &fakeModels{text: validPart}
		g := generator.NewGemini(generator.GeminiConfig{Models: m, Model: "gemini-2.0-flash"})

		part, err := g.GeneratePart(context.Background(), generator.Params{
			Subject:    "Math",
			Language:   "English",
			ContentID:  "c-42",
			PartIndex:  2,
			TotalParts: 3,
		})
		require.NoError(t, err)
		assert.Equal(t, "c-42", part.ContentID)
		assert.Equal(t, 2, part.PartIndex)
		assert.Equal(t, "gemini-2.0-flash", m.model)
		assert.Contains(t, m.prompt, "Test ID: c-42, Part: 2/3")
	})

	t.Run("provider errors are generation failures", func(t *testing.T) {
		cause := stderrors.New("quota exceeded")
		g := generator.NewGemini(generator.GeminiConfig{Models: &fakeModels{err: cause}})

		_, err := g.GeneratePart(context.Background(), generator.Params{Subject: "Math"})
		require.ErrorIs(t, err, cause)
		require.True(t, errors.IsCode(err, errors.CodeGenerationFailed))
	})

	t.Run("unparseable output is a generation failure", func(t *testing.T) {
		g := generator.NewGemini(generator.GeminiConfig{Models: &fakeModels{text: "oops"}})

		_, err := g.GeneratePart(context.Background(), generator.Params{Subject: "Math"})
		require.True(t, errors.IsCode(err, errors.CodeGenerationFailed))
	})
}

type fakeModels struct {
	text string
	err  error

	model  string
	prompt string
}

func (m *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.model = model
	for _, c := range contents {
		for _, p := range c.Parts {
			m.prompt += p.Text
		}
	}

	if m.err != nil {
		return nil, m.err
	}

	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: m.text}}}},
		},
	}, nil
}
