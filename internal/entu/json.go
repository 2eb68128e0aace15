package entu

import "encoding/json"

// Entu serializes an entity as a flat object: "_id" next to one key per
// property, each holding an array of value objects. Keys whose value is not
// an array (counters, access metadata) are ignored on decode.

func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Entity{Properties: make(map[string][]Property, len(raw))}
	for key, val := range raw {
		if key == "_id" {
			if err := json.Unmarshal(val, &out.ID); err != nil {
				return err
			}
			continue
		}
		var values []Property
		if err := json.Unmarshal(val, &values); err != nil {
			continue
		}
		if len(values) > 0 {
			out.Properties[key] = values
		}
	}
	*e = out
	return nil
}

func (e Entity) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(e.Properties)+1)
	if e.ID != "" {
		raw["_id"] = e.ID
	}
	for key, values := range e.Properties {
		if len(values) == 0 {
			continue
		}
		raw[key] = values
	}
	return json.Marshal(raw)
}
