// Package entu models records served by the Entu headless CMS and provides
// typed accessors over Entu's array-of-objects property encoding.
package entu

import "time"

// Property is one value slot of an entity property. Entu delivers every
// property as an ordered array of these objects; which scalar field is set
// depends on the property's data type, and any of them may be missing.
type Property struct {
	ID        string     `json:"_id,omitempty"`
	String    *string    `json:"string,omitempty"`
	Number    *float64   `json:"number,omitempty"`
	Boolean   *bool      `json:"boolean,omitempty"`
	Reference *string    `json:"reference,omitempty"`
	DateTime  *time.Time `json:"datetime,omitempty"`
	Filename  *string    `json:"filename,omitempty"`
}

// Entity is a raw CMS record: an opaque id plus named property arrays.
// Entities are read-only snapshots; absence of a key means "no value".
type Entity struct {
	ID         string                `json:"_id"`
	Properties map[string][]Property `json:"-"`
}

// at returns the idx-th value of the named property. Missing key and short
// array are treated identically; callers never distinguish the two.
func (e Entity) at(name string, idx int) (Property, bool) {
	if idx < 0 {
		return Property{}, false
	}
	values, ok := e.Properties[name]
	if !ok || idx >= len(values) {
		return Property{}, false
	}
	return values[idx], true
}

// String returns the first string value of the named property.
func (e Entity) String(name string) (string, bool) {
	return e.StringAt(name, 0)
}

func (e Entity) StringAt(name string, idx int) (string, bool) {
	p, ok := e.at(name, idx)
	if !ok || p.String == nil {
		return "", false
	}
	return *p.String, true
}

// Number returns the first numeric value of the named property. A missing
// value reports ok=false rather than zero, so absent GPS never reads as (0,0).
func (e Entity) Number(name string) (float64, bool) {
	return e.NumberAt(name, 0)
}

func (e Entity) NumberAt(name string, idx int) (float64, bool) {
	p, ok := e.at(name, idx)
	if !ok || p.Number == nil {
		return 0, false
	}
	return *p.Number, true
}

// Bool returns the first boolean value of the named property.
func (e Entity) Bool(name string) (bool, bool) {
	return e.BoolAt(name, 0)
}

func (e Entity) BoolAt(name string, idx int) (bool, bool) {
	p, ok := e.at(name, idx)
	if !ok || p.Boolean == nil {
		return false, false
	}
	return *p.Boolean, true
}

// Reference returns the first reference value (another entity's id).
func (e Entity) Reference(name string) (string, bool) {
	return e.ReferenceAt(name, 0)
}

func (e Entity) ReferenceAt(name string, idx int) (string, bool) {
	p, ok := e.at(name, idx)
	if !ok || p.Reference == nil {
		return "", false
	}
	return *p.Reference, true
}

// DateTime returns the first datetime value of the named property.
func (e Entity) DateTime(name string) (time.Time, bool) {
	return e.DateTimeAt(name, 0)
}

func (e Entity) DateTimeAt(name string, idx int) (time.Time, bool) {
	p, ok := e.at(name, idx)
	if !ok || p.DateTime == nil {
		return time.Time{}, false
	}
	return *p.DateTime, true
}

// Filename returns the first file value of the named property.
func (e Entity) Filename(name string) (string, bool) {
	p, ok := e.at(name, 0)
	if !ok || p.Filename == nil {
		return "", false
	}
	return *p.Filename, true
}

// References returns every reference value of the named property, in order.
// Multi-valued properties are how Entu models one-to-many links (a task's
// group members, a map's locations).
func (e Entity) References(name string) []string {
	values := e.Properties[name]
	var refs []string
	for _, p := range values {
		if p.Reference != nil {
			refs = append(refs, *p.Reference)
		}
	}
	return refs
}
