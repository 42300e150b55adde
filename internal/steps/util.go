package steps

import "encoding/json"

// jsQuote renders s as a JSON string literal for embedding in a generated
// JavaScript expression.
func jsQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
