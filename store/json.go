package store

import "encoding/json"

// Sets and maps on conversations and messages are stored as JSON text
// columns. Marshal failures cannot happen for these types, so encoding
// errors are ignored and decoding errors yield the zero value.

func encodeStrings(v []string) string {
	if v == nil {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var v []string
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

func encodeStringMap(v map[string]string) string {
	if v == nil {
		return "{}"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStringMap(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var v map[string]string
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

func encodeIntMap(v map[string]int) string {
	if v == nil {
		return "{}"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeIntMap(s string) map[string]int {
	if s == "" || s == "{}" {
		return nil
	}
	var v map[string]int
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

func encodeTimeMap(v map[string]int64) string {
	if v == nil {
		return "{}"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeTimeMap(s string) map[string]int64 {
	if s == "" || s == "{}" {
		return nil
	}
	var v map[string]int64
	_ = json.Unmarshal([]byte(s), &v)
	return v
}
