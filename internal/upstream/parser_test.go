package upstream

import "testing"

// Scenario 6: streaming parser under adversarial chunking.
func TestParserAdversarialOneByteChunking(t *testing.T) {
	input := `[{"a":"x},{"} ,  ` + "\r\n" + ` {"b":2}]`

	var got []string
	p := NewParser(func(obj []byte) {
		got = append(got, string(obj))
	})

	for i := 0; i < len(input); i++ {
		p.Feed([]byte{input[i]})
	}

	want := []string{`{"a":"x},{"}`, `{"b":2}`}
	if len(got) != len(want) {
		t.Fatalf("expected %d objects, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("object %d: got %q want %q", i, got[i], want[i])
		}
	}
	if !p.Done() {
		t.Error("expected parser to be done after top-level ']'")
	}
}

func TestParserWholeChunkAtOnce(t *testing.T) {
	input := `[{"x":1},{"y":2}]`
	var got []string
	p := NewParser(func(obj []byte) { got = append(got, string(obj)) })
	p.Feed([]byte(input))

	want := []string{`{"x":1}`, `{"y":2}`}
	if len(got) != len(want) {
		t.Fatalf("expected %d objects, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("object %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestParserArbitraryChunkBoundaries(t *testing.T) {
	input := `[ {"first": "a,b{c}"} , {"second":true} ]`
	splits := [][]int{{5, 15, 100}, {1, 1, 1, 100}, {100}}

	for _, split := range splits {
		var got []string
		p := NewParser(func(obj []byte) { got = append(got, string(obj)) })
		pos := 0
		for _, n := range split {
			end := pos + n
			if end > len(input) {
				end = len(input)
			}
			if pos >= len(input) {
				break
			}
			p.Feed([]byte(input[pos:end]))
			pos = end
		}
		if len(got) != 2 {
			t.Fatalf("split %v: expected 2 objects, got %d: %v", split, len(got), got)
		}
	}
}
