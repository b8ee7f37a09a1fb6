package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// fingerprintFields is the canonical, deterministically-ordered set of
// request fields folded into a Fingerprint. Fields that vary between
// otherwise-identical requests without changing the response — request id,
// stream flag, the caller's own user identifier — are deliberately excluded.
type fingerprintFields struct {
	Router      string          `json:"router"`
	EndpointTyp string          `json:"endpoint_type"`
	Model       string          `json:"model"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    json.RawMessage `json:"messages"`
}

// Fingerprint deterministically identifies a cacheable request. Two
// requests that differ only in request id, stream flag, or field ordering
// within their JSON body produce the same fingerprint.
func Fingerprint(router, endpointType, model string, temperature float64, maxTokens int, messages any) (string, error) {
	canonicalMessages, err := canonicalJSON(messages)
	if err != nil {
		return "", fmt.Errorf("cache: canonicalize messages: %w", err)
	}

	fields := fingerprintFields{
		Router:      router,
		EndpointTyp: endpointType,
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Messages:    canonicalMessages,
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("cache: marshal fingerprint fields: %w", err)
	}

	sum := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-marshals v with map keys sorted, so that two
// semantically-identical requests with differently-ordered object keys
// fingerprint identically.
func canonicalJSON(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return canonicalMarshal(generic)
}

func canonicalMarshal(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []any:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(val)
	}
}
