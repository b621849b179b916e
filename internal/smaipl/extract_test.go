package smaipl

import "testing"

func TestRules_Extract(t *testing.T) {
	rules := ParseRules("choices.0.message.content, done ,answer,text,result,summary")
	cases := []struct {
		name    string
		body    string
		want    string
		matched bool
	}{
		{"openai", `{"choices":[{"message":{"role":"assistant","content":"A"}}]}`, "A", true},
		{"done", `{"done":"B","answer":"ignored"}`, "B", true},
		{"priority order", `{"summary":"late","answer":"early"}`, "early", true},
		{"skips empty", `{"done":"  ","text":"C"}`, "C", true},
		{"skips non-string", `{"done":{"x":1},"result":"D"}`, "D", true},
		{"number", `{"answer":42}`, "42", true},
		{"bare string", `"plain"`, "plain", true},
		{"out of range index", `{"choices":[]}`, "{\n  \"choices\": []\n}", false},
		{"not json", `upstream says hi`, "upstream says hi", false},
		{"empty", ``, "(empty response)", false},
	}
	for _, c := range cases {
		got, matched := rules.Extract([]byte(c.body))
		if got != c.want || matched != c.matched {
			t.Fatalf("%s: got (%q,%v) want (%q,%v)", c.name, got, matched, c.want, c.matched)
		}
	}
}

func TestParseRules_SkipsBlanks(t *testing.T) {
	rules := ParseRules(" ,answer,, text ")
	if len(rules) != 2 || rules[0].Path != "answer" || rules[1].Path != "text" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}
