package cel

import (
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/dockhand-io/dockhand/internal/domain/policy"
)

// NewAccessEnvironment creates a CEL environment for Docker API access
// rules. Available variables:
//   - endpoint_id: the target agent's endpoint ID
//   - method: HTTP verb, or "EXEC" for interactive sessions
//   - path: Engine API path (e.g. "/containers/json")
//   - streaming: true for log/event/attach streams
//   - request_time: when the call was received
//
// Custom functions:
//   - glob(pattern, value): glob pattern matching ("/containers/*")
func NewAccessEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("endpoint_id", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("streaming", cel.BoolType),
		cel.Variable("request_time", cel.TimestampType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// BuildActivation creates a CEL activation map from an AccessContext.
func BuildActivation(access policy.AccessContext) map[string]any {
	return map[string]any{
		"endpoint_id":  access.EndpointID,
		"method":       access.Method,
		"path":         access.Path,
		"streaming":    access.Streaming,
		"request_time": access.RequestTime,
	}
}
