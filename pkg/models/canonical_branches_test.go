package models

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestCanonicalizeValueAllowFloatBranches(t *testing.T) {
	t.Run("unsupported_type", func(t *testing.T) {
		var buf bytes.Buffer
		if err := canonicalizeValueAllowFloat(&buf, make(chan int)); err == nil {
			t.Fatal("expected unsupported type error")
		}
	})

	t.Run("composite_float_types", func(t *testing.T) {
		var buf bytes.Buffer
		val := map[string]any{
			"b": json.Number("1.5"),
			"a": []any{json.Number("2.25"), false},
		}
		if err := canonicalizeValueAllowFloat(&buf, val); err != nil {
			t.Fatalf("unexpected canonicalize allow-float error: %v", err)
		}
		got := buf.String()
		if got != `{"a":[2.25,false],"b":1.5}` {
			t.Fatalf("unexpected allow-float canonical form: %s", got)
		}
	})
}
