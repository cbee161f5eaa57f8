package wyrd

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var (
	ErrUnknownKind        = fmt.Errorf("unknown kind")
	ErrUnexpectedSpecType = fmt.Errorf("unexpected spec type")
)

// Kind names a type of a polymorphic spec
type Kind string

type KindFactory func(kind Kind) (any, error)

// UnmarshalJSONWithRegister decodes specData into a new instance produced by the factory for the given kind.
// Specs of unknown kinds are kept as a generic map so they survive a round trip.
func UnmarshalJSONWithRegister(kind Kind, factory KindFactory, specData json.RawMessage) (any, error) {
	spec, err := factory(kind)
	if err != nil {
		if len(specData) == 0 {
			return nil, nil
		}

		t := make(map[string]any)
		if err := json.Unmarshal(specData, &t); err != nil {
			return nil, err
		}
		return t, nil
	}

	if len(specData) == 0 {
		return nil, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(specData))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(spec); err != nil {
		return nil, err
	}

	return spec, nil
}
