package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/curfew/pkg/resource"
)

// RegoExempter asks an OPA policy whether an instance is exempt.
// The policy must define data.curfew.exempt as a boolean.
type RegoExempter struct {
	query rego.PreparedEvalQuery
}

// LoadRegoExempter compiles the policy file at path.
func LoadRegoExempter(ctx context.Context, path string) (*RegoExempter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return NewRegoExempter(ctx, path, string(data))
}

// NewRegoExempter compiles module source under the given name.
func NewRegoExempter(ctx context.Context, name, module string) (*RegoExempter, error) {
	query, err := rego.New(
		rego.Query("data.curfew.exempt"),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", name, err)
	}
	return &RegoExempter{query: query}, nil
}

// Exempt evaluates the policy against inst.
func (r *RegoExempter) Exempt(ctx context.Context, inst resource.Instance) (bool, error) {
	tags := make(map[string]any, len(inst.Labels))
	for k, v := range inst.Labels {
		tags[k] = v
	}
	input := map[string]any{
		"id":          inst.ID,
		"name":        inst.Name,
		"region":      inst.Region,
		"state":       inst.State,
		"launch_time": inst.LaunchTime.Unix(),
		"tags":        tags,
	}

	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, fmt.Errorf("policy produced no result for data.curfew.exempt")
	}

	exempt, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("data.curfew.exempt is %T, want bool", results[0].Expressions[0].Value)
	}
	return exempt, nil
}
