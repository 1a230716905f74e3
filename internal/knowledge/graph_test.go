package knowledge

import "testing"

type mapRecord map[string]interface{}

func (m mapRecord) Get(k string) (interface{}, bool) {
	v, ok := m[k]
	return v, ok
}

func TestRelationFromRecord(t *testing.T) {
	r := relationFromRecord(mapRecord{
		"from": "Non-thermal plasma", "fromKind": "Technology", "rel": "TREATS",
		"to": "Styrene", "toKind": "Pollutant", "notes": "odour threshold", "weight": int64(2),
	})
	if r.From != "Non-thermal plasma" || r.Type != "TREATS" || r.ToKind != "Pollutant" {
		t.Errorf("unexpected relation: %+v", r)
	}
	if r.Weight != 2 {
		t.Errorf("weight = %v, want 2", r.Weight)
	}

	empty := relationFromRecord(mapRecord{"from": "X"})
	if empty.From != "X" || empty.Notes != "" || empty.Weight != 0 {
		t.Errorf("missing fields should be zero: %+v", empty)
	}
}

func TestValidIdent(t *testing.T) {
	for _, ok := range []string{"Technology", "TREATS", "LIMITED_BY", "Pollutant2"} {
		if !validIdent(ok) {
			t.Errorf("%q should be valid", ok)
		}
	}
	for _, bad := range []string{"", "1abc", "a b", "x`) DETACH DELETE n //"} {
		if validIdent(bad) {
			t.Errorf("%q should be rejected", bad)
		}
	}
}
