package loopexec

import "encoding/json"

func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// mustJSONOrNull renders v as a JSON literal for embedding in a generated
// expression that mirrors a value into window.__cdp_vars; unencodable
// values degrade to null rather than producing broken JavaScript.
func mustJSONOrNull(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
