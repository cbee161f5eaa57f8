package prob

import (
	"encoding/json"
	"time"

	"github.com/sre-norns/verdandi/pkg/wyrd"
	"gopkg.in/yaml.v3"
)

type Kind = wyrd.Kind

// RunStatus represents the state of script execution once job has been successfully run
type RunStatus string

const (
	RunNotFinished      RunStatus = ""
	RunFinishedSuccess  RunStatus = "success"
	RunFinishedFailed   RunStatus = "failed"
	RunFinishedError    RunStatus = "errored"
	RunFinishedCanceled RunStatus = "canceled"
	RunFinishedTimeout  RunStatus = "timeout"
)

// IsFinal is true for statuses of a run that has ended
func (s RunStatus) IsFinal() bool {
	return s != RunNotFinished
}

// Manifest describes what to run: a spec of a registered kind and a time limit
type Manifest struct {
	// Kind identifies the type of the spec
	Kind Kind `json:"kind,omitempty" yaml:"kind,omitempty" xml:"kind" form:"kind"`

	// Timeout of a single run, zero means runner default
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" xml:"timeout" form:"timeout"`

	// Spec of the 'kind' type
	Spec any `json:"-" yaml:"-"`
}

type Artifact struct {
	// Relation type: log / har / screenshot etc. Determines how content is consumed by clients
	Rel string `form:"rel,omitempty" json:"rel,omitempty" yaml:"rel,omitempty" xml:"rel,omitempty"`

	// MimeType of the content
	MimeType string `form:"mimeType,omitempty" json:"mimeType,omitempty" yaml:"mimeType,omitempty" xml:"mimeType,omitempty"`

	// Blob content of the artifact
	Content []byte `form:"content,omitempty" json:"content,omitempty" yaml:"content,omitempty" xml:"content,omitempty"`
}

func (u Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Kind    Kind          `json:"kind,omitempty"`
		Timeout time.Duration `json:"timeout,omitempty"`
		Spec    any           `json:"spec,omitempty"` // strips json tags of the outer type
	}{
		Kind:    u.Kind,
		Timeout: u.Timeout,
		Spec:    u.Spec,
	})
}

func (s *Manifest) UnmarshalJSON(data []byte) error {
	aux := &struct {
		Kind    Kind            `json:"kind,omitempty"`
		Timeout time.Duration   `json:"timeout,omitempty"`
		Spec    json.RawMessage `json:"spec,omitempty"`
	}{
		Kind:    s.Kind,
		Timeout: s.Timeout,
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	spec, err := wyrd.UnmarshalJSONWithRegister(aux.Kind, InstanceOf, aux.Spec)
	if err != nil {
		return err
	}

	s.Kind = aux.Kind
	s.Timeout = aux.Timeout
	s.Spec = spec
	return nil
}

func (u Manifest) MarshalYAML() (interface{}, error) {
	return struct {
		Kind    Kind          `yaml:"kind"`
		Timeout time.Duration `yaml:"timeout,omitempty"`
		Spec    interface{}   `yaml:"spec,omitempty"`
	}{
		Kind:    u.Kind,
		Timeout: u.Timeout,
		Spec:    u.Spec,
	}, nil
}

func (s *Manifest) UnmarshalYAML(n *yaml.Node) error {
	type S Manifest
	type T struct {
		*S   `yaml:",inline"`
		Spec yaml.Node `yaml:"spec"`
	}

	obj := &T{S: (*S)(s)}
	if err := n.Decode(obj); err != nil {
		return err
	}

	if len(obj.Spec.Content) == 0 && obj.Spec.Kind != yaml.ScalarNode {
		s.Spec = nil
		return nil
	}

	spec, err := InstanceOf(s.Kind)
	if err != nil {
		generic := make(map[string]any)
		if err := obj.Spec.Decode(&generic); err != nil {
			return err
		}
		s.Spec = generic
		return nil
	}

	if err := obj.Spec.Decode(spec); err != nil {
		return err
	}
	s.Spec = spec
	return nil
}
