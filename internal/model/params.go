package model

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Params is the opaque input configuration of a job. It is passed whole to the
// processor and is not interpreted by the harness.
type Params map[string]any

// ParseParams decodes a JSON object into Params. A JSON null yields an empty,
// non-nil Params.
func ParseParams(data []byte) (Params, error) {
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	if p == nil {
		p = Params{}
	}
	return p, nil
}

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Decode copies the parameters into the struct pointed to by out, matching
// keys against `mapstructure` tags and converting JSON numbers where needed.
func (p Params) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("build params decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(p)); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
