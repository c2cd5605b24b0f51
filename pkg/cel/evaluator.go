package cel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// Input is the view of a message that filter expressions can see.
type Input struct {
	Text      string
	Channel   string
	Keywords  []string
	Codes     []string
	URL       string
	HasCode   bool
	HasURL    bool
	Timestamp time.Time
}

func (in Input) vars() map[string]interface{} {
	return map[string]interface{}{
		"text":      in.Text,
		"channel":   in.Channel,
		"keywords":  nonNil(in.Keywords),
		"codes":     nonNil(in.Codes),
		"url":       in.URL,
		"has_code":  in.HasCode,
		"has_url":   in.HasURL,
		"timestamp": in.Timestamp,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Evaluator compiles filter expressions once and caches the programs.
type Evaluator struct {
	env      *cel.Env
	programs sync.Map
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("keywords", cel.ListType(cel.StringType)),
		cel.Variable("codes", cel.ListType(cel.StringType)),
		cel.Variable("url", cel.StringType),
		cel.Variable("has_code", cel.BoolType),
		cel.Variable("has_url", cel.BoolType),
		cel.Variable("timestamp", cel.TimestampType),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compileFilter(expression)
	return err
}

func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, in Input) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, _, err := program.ContextEval(ctx, in.vars())
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	if p, ok := e.programs.Load(expression); ok {
		return p.(cel.Program), nil
	}

	ast, err := e.compileFilter(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.programs.Store(expression, program)
	return program, nil
}

func (e *Evaluator) compileFilter(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return ast, nil
}
