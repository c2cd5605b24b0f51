package live

import (
	"context"
	"fmt"

	"promorelay/pkg/cel"
	"promorelay/pkg/models"
)

// ExpressionFilter applies a channel's optional filter_expression to an
// admitted push once its record has been extracted.
type ExpressionFilter struct {
	eval *cel.Evaluator
}

func NewExpressionFilter() (*ExpressionFilter, error) {
	eval, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &ExpressionFilter{eval: eval}, nil
}

// Allow reports whether ev passes its channel's expression. Channels without
// one always pass.
func (f *ExpressionFilter) Allow(ctx context.Context, ev Event, rec models.ExtractedRecord) (bool, error) {
	if ev.Channel.FilterExpression == "" {
		return true, nil
	}

	ok, err := f.eval.EvaluateFilter(ctx, ev.Channel.FilterExpression, cel.Input{
		Text:      ev.Message.Text,
		Channel:   ev.Channel.Handle,
		Keywords:  ev.Keywords,
		Codes:     rec.AllCodes,
		URL:       rec.DestinationURL,
		HasCode:   rec.HasCode,
		HasURL:    rec.HasURL,
		Timestamp: ev.Message.Timestamp,
	})
	if err != nil {
		return false, fmt.Errorf("filter for %s: %w", ev.Channel.Handle, err)
	}
	return ok, nil
}
