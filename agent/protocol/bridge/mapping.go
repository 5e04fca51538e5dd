package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/agentfabric/types"
)

// ErrMappingExists is returned when a source method is already mapped.
var ErrMappingExists = errors.New("bridge: mapping already registered")

// FieldMapping copies one value from SourcePath to TargetPath, optionally
// through a named transform.
type FieldMapping struct {
	SourcePath string `json:"sourcePath" yaml:"source_path"`
	TargetPath string `json:"targetPath" yaml:"target_path"`
	Transform  string `json:"transform,omitempty" yaml:"transform"`
	Required   bool   `json:"required,omitempty" yaml:"required"`
}

// MethodMapping binds an MCP tool name to an A2A method.
type MethodMapping struct {
	SourceMethod string `json:"sourceMethod" yaml:"source_method"`
	TargetMethod string `json:"targetMethod" yaml:"target_method"`
	// TargetAgent overrides the agent derived from the method namespace.
	TargetAgent      string         `json:"targetAgent,omitempty" yaml:"target_agent"`
	Priority         types.Priority `json:"priority,omitempty" yaml:"priority"`
	TimeoutMS        int64          `json:"timeoutMs,omitempty" yaml:"timeout_ms"`
	ParameterMapping []FieldMapping `json:"parameterMapping,omitempty" yaml:"parameter_mapping"`
	ResponseMapping  []FieldMapping `json:"responseMapping,omitempty" yaml:"response_mapping"`
}

// Validate checks the mapping against the transforms in reg.
func (m *MethodMapping) Validate(reg *TransformRegistry) error {
	var errs []error
	if strings.TrimSpace(m.SourceMethod) == "" {
		errs = append(errs, errors.New("source method is required"))
	}
	if strings.TrimSpace(m.TargetMethod) == "" {
		errs = append(errs, errors.New("target method is required"))
	}
	if m.Priority != "" && !m.Priority.Valid() {
		errs = append(errs, fmt.Errorf("invalid priority %q", m.Priority))
	}
	if m.TimeoutMS < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	check := func(section string, fields []FieldMapping) {
		for i, f := range fields {
			if f.SourcePath == "" || f.TargetPath == "" {
				errs = append(errs, fmt.Errorf("%s[%d]: source and target paths are required", section, i))
			}
			if f.Transform != "" && reg != nil {
				if _, ok := reg.Get(f.Transform); !ok {
					errs = append(errs, fmt.Errorf("%s[%d]: unknown transform %q", section, i, f.Transform))
				}
			}
		}
	}
	check("parameterMapping", m.ParameterMapping)
	check("responseMapping", m.ResponseMapping)
	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	return types.NewError(types.KindValidation, "invalid mapping: "+joined.Error()).
		WithCause(joined).WithSource(source)
}

func (m *MethodMapping) clone() *MethodMapping {
	c := *m
	c.ParameterMapping = append([]FieldMapping(nil), m.ParameterMapping...)
	c.ResponseMapping = append([]FieldMapping(nil), m.ResponseMapping...)
	return &c
}

// targetAgent returns the explicit target or the namespace of the target
// method ("billing.charge" is served by "billing").
func (m *MethodMapping) targetAgent() string {
	if m.TargetAgent != "" {
		return m.TargetAgent
	}
	return namespaceOf(m.TargetMethod)
}

func namespaceOf(method string) string {
	ns, _, ok := strings.Cut(method, ".")
	if !ok {
		return ""
	}
	return ns
}
