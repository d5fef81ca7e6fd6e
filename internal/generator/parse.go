package generator

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/victornm/examlive/internal/domain"
	"github.com/victornm/examlive/internal/errors"
)

const partSchema = `{
  "type": "object",
  "required": ["questions", "continue"],
  "properties": {
    "test_id": {"type": "string"},
    "generated_part": {"type": "integer", "minimum": 1},
    "total_parts": {"type": "integer", "minimum": 1},
    "continue": {"type": "boolean"},
    "questions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["question_id", "question", "options", "correct_answer_id"],
        "properties": {
          "question_id": {"type": "string", "minLength": 1},
          "question": {"type": "string", "minLength": 1},
          "correct_answer_id": {"type": "string", "minLength": 1},
          "explanation": {"type": "string"},
          "options": {
            "type": "array",
            "minItems": 2,
            "items": {
              "type": "object",
              "required": ["id", "text"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "text": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

var schema *gojsonschema.Schema

func init() {
	var err error
	schema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(partSchema))
	if err != nil {
		panic(err)
	}
}

type (
	wirePart struct {
		TestID        string         `json:"test_id"`
		GeneratedPart int            `json:"generated_part"`
		TotalParts    int            `json:"total_parts"`
		Questions     []wireQuestion `json:"questions"`
		Continue      bool           `json:"continue"`
	}

	wireQuestion struct {
		QuestionID      string       `json:"question_id"`
		Question        string       `json:"question"`
		Options         []wireOption `json:"options"`
		CorrectAnswerID string       `json:"correct_answer_id"`
		Explanation     string       `json:"explanation"`
	}

	wireOption struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
)

// ParsePart decodes provider output into a content part. Output wrapped in a markdown
// code fence is accepted. Anything that does not match the part schema is GenerationFailed.
func ParsePart(text string) (*domain.ContentPart, error) {
	raw := unfence(text)
	if raw == "" {
		return nil, malformed("empty response")
	}

	res, err := schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, malformed("response is not JSON: %v", err)
	}

	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, malformed("response does not match the part schema: %s", strings.Join(msgs, "; "))
	}

	var w wirePart
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, malformed("decode response: %v", err)
	}

	part := &domain.ContentPart{
		ContentID:          w.TestID,
		PartIndex:          w.GeneratedPart,
		TotalPartsEstimate: w.TotalParts,
		Questions:          make([]domain.Question, 0, len(w.Questions)),
		Continue:           w.Continue,
	}

	for _, wq := range w.Questions {
		q := domain.Question{
			QuestionID:      wq.QuestionID,
			Prompt:          wq.Question,
			CorrectOptionID: wq.CorrectAnswerID,
			Explanation:     wq.Explanation,
			Options:         make([]domain.Option, 0, len(wq.Options)),
		}

		found := false
		for _, o := range wq.Options {
			q.Options = append(q.Options, domain.Option{OptionID: o.ID, OptionText: o.Text})
			found = found || o.ID == wq.CorrectAnswerID
		}

		if !found {
			return nil, malformed("question %s: correct answer %q is not one of its options", wq.QuestionID, wq.CorrectAnswerID)
		}

		part.Questions = append(part.Questions, q)
	}

	return part, nil
}

func unfence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	// Drop the opening fence line, e.g. ```json
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}

	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func malformed(format string, args ...any) *errors.Error {
	return errors.New(errors.CodeGenerationFailed, errors.WithMessagef("malformed generator output: "+format, args...))
}
