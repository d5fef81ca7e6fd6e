package generator

import (
	"context"

	"github.com/victornm/examlive/internal/domain"
)

// Params describes the part to generate. ContentID is empty for the first part; following
// parts carry the content ID returned with part 1.
type Params struct {
	Subject       string
	Topic         string
	Difficulty    string
	Format        string
	QuestionCount int
	Instructions  string
	Language      string

	ContentID  string
	PartIndex  int
	TotalParts int
}

// Generator produces one part of test content per call.
type Generator interface {
	GeneratePart(ctx context.Context, p Params) (*domain.ContentPart, error)
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, p Params) (*domain.ContentPart, error)

func (f Func) GeneratePart(ctx context.Context, p Params) (*domain.ContentPart, error) {
	return f(ctx, p)
}
