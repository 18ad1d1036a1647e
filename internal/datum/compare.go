package datum

import (
	"cmp"
	"encoding/json"

	"github.com/faucetdb/datum/internal/identity"
	gocmp "github.com/google/go-cmp/cmp"
)

// valuesEqual compares two column values by their JSON form, so that 1 and
// 1.0 and a json.Number all match.
func valuesEqual(a, b any) bool {
	return gocmp.Equal(identity.JSON(a), identity.JSON(b))
}

// compareValues orders column values: nulls first, then booleans, numbers
// and strings. Mixed kinds order by kind, anything else by its JSON text.
func compareValues(a, b any) int {
	ka, kb := valueKind(a), valueKind(b)
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	switch ka {
	case kindNull:
		return 0
	case kindBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case kindNumber:
		return cmp.Compare(toFloat(a), toFloat(b))
	case kindString:
		return cmp.Compare(a.(string), b.(string))
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return cmp.Compare(string(ja), string(jb))
}

const (
	kindNull = iota
	kindBool
	kindNumber
	kindString
	kindOther
)

func valueKind(v any) int {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return kindNumber
	case string:
		return kindString
	}
	return kindOther
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
