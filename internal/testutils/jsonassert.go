package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value.
const PresencePlaceholder = "<<PRESENCE>>"

type JSONAssertOptions struct {
	AllowPresencePlaceholder bool `default:"true"`
	IgnoreExtraKeys          bool `default:"false"`
}

type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...JSONOption) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

// Assert reports a failure with an ASCII diff when the documents differ.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// AssertValue marshals actual and compares it with expectedJSON.
func (ja *JSONAsserter) AssertValue(actual any, expectedJSON string) bool {
	data, err := json.Marshal(actual)
	if err != nil {
		ja.t.Errorf("cannot marshal actual value: %v", err)
		return false
	}
	return ja.Assert(string(data), expectedJSON)
}

func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	if ja.options.AllowPresencePlaceholder {
		fillPlaceholders(expected, actual)
	}
	if ja.options.IgnoreExtraKeys {
		actual = dropExtraKeys(expected, actual)
	}

	// gojsondiff compares objects only.
	expectedBytes, _ := json.Marshal(map[string]any{"root": expected})
	actualBytes, _ := json.Marshal(map[string]any{"root": actual})

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	var left map[string]any
	_ = json.Unmarshal(expectedBytes, &left)
	out, _ := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	return out
}

func fillPlaceholders(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == PresencePlaceholder {
				if av, present := act[k]; present {
					exp[k] = av
				}
				continue
			}
			fillPlaceholders(v, act[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i >= len(act) {
				return
			}
			if s, ok := exp[i].(string); ok && s == PresencePlaceholder {
				exp[i] = act[i]
				continue
			}
			fillPlaceholders(exp[i], act[i])
		}
	}
}

func dropExtraKeys(expected, actual any) any {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return actual
		}
		trimmed := make(map[string]any, len(exp))
		for k, v := range exp {
			if av, present := act[k]; present {
				trimmed[k] = dropExtraKeys(v, av)
			}
		}
		return trimmed
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return actual
		}
		out := make([]any, len(act))
		for i := range act {
			if i < len(exp) {
				out[i] = dropExtraKeys(exp[i], act[i])
			} else {
				out[i] = act[i]
			}
		}
		return out
	default:
		return actual
	}
}
