package retrieval

import (
	"reflect"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

// FilterExpression is a compiled CEL predicate over one experience.
//
// Variables: category, time_of_day (string), tags (list of string),
// attributes (map of string to string), occurred_at (timestamp),
// has_location (bool), lat, lon (double).
type FilterExpression struct {
	program cel.Program
	source  string
}

func newFilterEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("category", cel.StringType),
		cel.Variable("time_of_day", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("occurred_at", cel.TimestampType),
		cel.Variable("has_location", cel.BoolType),
		cel.Variable("lat", cel.DoubleType),
		cel.Variable("lon", cel.DoubleType),
	)
}

// CompileFilter parses and type-checks expr. The expression must be boolean.
func CompileFilter(env *cel.Env, expr string) (*FilterExpression, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, apperrors.InvalidArgument("invalid filter expression: %v", issues.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return nil, apperrors.InvalidArgument("filter expression must be boolean, got %v", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, apperrors.InvalidArgument("invalid filter expression: %v", err)
	}
	return &FilterExpression{program: program, source: expr}, nil
}

// Match evaluates the predicate. Evaluation errors, such as a missing map key, count as no match.
func (f *FilterExpression) Match(e *store.Experience) bool {
	if f == nil {
		return true
	}
	vars := map[string]any{
		"category":     string(e.Category),
		"time_of_day":  string(e.TimeOfDay),
		"tags":         nonNil(e.Tags),
		"attributes":   nonNilMap(e.Attributes),
		"occurred_at":  e.OccurredAt.In(time.UTC),
		"has_location": e.Location != nil,
		"lat":          0.0,
		"lon":          0.0,
	}
	if e.Location != nil {
		vars["lat"], vars["lon"] = e.Location.Lat, e.Location.Lon
	}
	out, _, err := f.program.Eval(vars)
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (f *FilterExpression) String() string {
	return f.source
}
