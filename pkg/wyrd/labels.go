package wyrd

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/labels"
)

// Labels is a set of key/value pairs attached to a resource.
// Same as "k8s.io/apimachinery/pkg/labels".Set, plus DB serialization.
type Labels map[string]string

func (l Labels) Has(key string) bool {
	_, ok := l[key]
	return ok
}

func (l Labels) Get(key string) string {
	return l[key]
}

// MergeLabels returns a new set with all given sets applied left to right: later keys override earlier ones.
func MergeLabels(sets ...Labels) Labels {
	size := 0
	for _, s := range sets {
		size += len(s)
	}

	result := make(Labels, size)
	for _, s := range sets {
		for k, v := range s {
			result[k] = v
		}
	}

	return result
}

// Value implements driver.Valuer so labels can be kept in a single JSON column
func (l Labels) Value() (driver.Value, error) {
	if l == nil {
		return "{}", nil
	}

	data, err := json.Marshal(l)
	return string(data), err
}

// Scan implements sql.Scanner
func (l *Labels) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*l = Labels{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("can not scan %T into labels", value)
	}

	result := Labels{}
	if err := json.Unmarshal(data, &result); err != nil {
		return err
	}
	*l = result
	return nil
}

// LabelSelector is a part of model that holds label-based requirements for on other resources
type LabelSelector struct {
	MatchLabels Labels `json:"matchLabels,omitempty" yaml:"matchLabels,omitempty"`

	// Selector expressions in k8s syntax, i.e. `os in (linux,darwin),!gpu`
	MatchSelector string `json:"matchSelector,omitempty" yaml:"matchSelector,omitempty"`
}

// AsSelector combines both match labels and the selector expression into a single selector
func (ls LabelSelector) AsSelector() (labels.Selector, error) {
	selector, err := labels.Parse(ls.MatchSelector)
	if err != nil {
		return nil, fmt.Errorf("invalid label selector %q: %w", ls.MatchSelector, err)
	}

	if len(ls.MatchLabels) == 0 {
		return selector, nil
	}

	reqs, _ := labels.SelectorFromSet(labels.Set(ls.MatchLabels)).Requirements()
	return selector.Add(reqs...), nil
}

// Matches returns true if the given set of labels satisfies all requirements
func (ls LabelSelector) Matches(set Labels) (bool, error) {
	selector, err := ls.AsSelector()
	if err != nil {
		return false, err
	}

	return selector.Matches(labels.Set(set)), nil
}
