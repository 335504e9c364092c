package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/pipeline"
)

// StepModel is the YAML-decodable declarative form of one pipeline step
// (spec.md §6): {id, inputType, outputType, cardinality, executionMode}.
type StepModel struct {
	ID            string `yaml:"id"`
	InputType     string `yaml:"inputType"`
	OutputType    string `yaml:"outputType"`
	Cardinality   string `yaml:"cardinality"`
	ExecutionMode string `yaml:"executionMode"`
	Transport     string `yaml:"transport,omitempty"`
}

// AspectModel is the YAML-decodable declarative form of one aspect
// entry (spec.md §6): {enabled, scope, position, order, targetSteps,
// implClass, config}.
type AspectModel struct {
	Enabled     bool                   `yaml:"enabled"`
	Scope       string                 `yaml:"scope"`
	Position    string                 `yaml:"position"`
	Order       int                    `yaml:"order"`
	TargetSteps []string               `yaml:"targetSteps,omitempty"`
	ImplClass   string                 `yaml:"implClass"`
	Config      map[string]interface{} `yaml:"config,omitempty"`
}

// PipelineModel is the top-level declarative pipeline document: an
// ordered step list plus an aspect table keyed by aspect name
// (spec.md §6). Its on-disk form is YAML, following re-cinq/wave's
// pipeline-config-file convention.
type PipelineModel struct {
	ID      string                 `yaml:"id"`
	Steps   []StepModel            `yaml:"steps"`
	Aspects map[string]AspectModel `yaml:"aspects,omitempty"`
}

// LoadPipelineModel reads and decodes a PipelineModel from a YAML file.
func LoadPipelineModel(path string) (*PipelineModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewFrameworkError("config.LoadPipelineModel", core.KindConfiguration, err)
	}
	var m PipelineModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, core.NewFrameworkError("config.LoadPipelineModel", core.KindConfiguration, fmt.Errorf("decoding yaml: %w", err))
	}
	return &m, nil
}

// ToSteps converts the declarative step list into pipeline.Step values.
func (m *PipelineModel) ToSteps() []pipeline.Step {
	out := make([]pipeline.Step, 0, len(m.Steps))
	for _, s := range m.Steps {
		mode := pipeline.Default
		if s.ExecutionMode != "" {
			mode = pipeline.ExecutionMode(s.ExecutionMode)
		}
		out = append(out, pipeline.Step{
			ID:            s.ID,
			InputType:     s.InputType,
			OutputType:    s.OutputType,
			Cardinality:   pipeline.Cardinality(s.Cardinality),
			ExecutionMode: mode,
		})
	}
	return out
}

func (m *PipelineModel) aspectNames() []string {
	names := make([]string, 0, len(m.Aspects))
	for name := range m.Aspects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToAspects converts the declarative aspect table into pipeline.Aspect
// values, sorted by name for deterministic downstream ordering.
func (m *PipelineModel) ToAspects() []pipeline.Aspect {
	out := make([]pipeline.Aspect, 0, len(m.Aspects))
	for _, name := range m.aspectNames() {
		a := m.Aspects[name]
		out = append(out, pipeline.Aspect{
			Name:        name,
			Enabled:     a.Enabled,
			Scope:       pipeline.AspectScope(a.Scope),
			Position:    pipeline.AspectPosition(a.Position),
			Order:       a.Order,
			TargetSteps: a.TargetSteps,
			ImplClass:   a.ImplClass,
			Config:      a.Config,
		})
	}
	return out
}
