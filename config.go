package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const defaultTimeoutMs = 5000

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// KV is one entry of an OrderedMap.
type KV struct {
	Key   string
	Value string
}

// OrderedMap decodes a JSON object while preserving key insertion order,
// which a plain map[string]string cannot do. Query params and headers need
// this because spec requires them applied in the order the operator sent
// them.
type OrderedMap []KV

func (m *OrderedMap) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" || len(data) == 0 {
		*m = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected a JSON object, got %v", tok)
	}

	var result OrderedMap
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("object key must be a string, got %v", keyTok)
		}

		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("value for %q must be a string: %w", key, err)
		}
		result = append(result, KV{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil { // consume closing '}'
		return err
	}

	*m = result
	return nil
}

func (m OrderedMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		valBytes, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// BodyKind discriminates the Body tagged union.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyJSON
	BodyXML
)

// Body is the operator-supplied request body: none, a JSON tree, or a raw
// XML string passed through byte-for-byte.
type Body struct {
	Kind        BodyKind
	JSONContent interface{}
	XMLContent  string
}

func (b *Body) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" || len(data) == 0 {
		*b = Body{Kind: BodyNone}
		return nil
	}

	var shape struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("body: %w", err)
	}

	switch shape.Type {
	case "Json":
		var v interface{}
		if len(shape.Content) > 0 {
			if err := json.Unmarshal(shape.Content, &v); err != nil {
				return fmt.Errorf("body: invalid json content: %w", err)
			}
		}
		*b = Body{Kind: BodyJSON, JSONContent: v}
	case "Xml":
		var s string
		if err := json.Unmarshal(shape.Content, &s); err != nil {
			return fmt.Errorf("body: xml content must be a string: %w", err)
		}
		*b = Body{Kind: BodyXML, XMLContent: s}
	case "", "None":
		*b = Body{Kind: BodyNone}
	default:
		return fmt.Errorf("body: unknown type %q", shape.Type)
	}
	return nil
}

func (b Body) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case BodyJSON:
		return json.Marshal(struct {
			Type    string      `json:"type"`
			Content interface{} `json:"content"`
		}{"Json", b.JSONContent})
	case BodyXML:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}{"Xml", b.XMLContent})
	default:
		return []byte("null"), nil
	}
}

// AuthKind discriminates the Auth tagged union.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthBasic
	AuthBearer
	AuthAPIKey
)

// APIKeyLocation is where an ApiKey credential gets attached to the request.
type APIKeyLocation string

const (
	LocationHeader APIKeyLocation = "header"
	LocationQuery  APIKeyLocation = "query"
)

// Auth is the operator-supplied authentication scheme.
type Auth struct {
	Kind     AuthKind
	Username string
	Password string
	Token    string
	KeyName  string
	KeyValue string
	Location APIKeyLocation
}

func (a *Auth) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if string(data) == "null" || len(data) == 0 {
		*a = Auth{Kind: AuthNone}
		return nil
	}

	var shape struct {
		Type        string          `json:"type"`
		Credentials json.RawMessage `json:"credentials"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	switch shape.Type {
	case "Basic":
		var c struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal(shape.Credentials, &c); err != nil {
			return fmt.Errorf("auth: basic credentials: %w", err)
		}
		*a = Auth{Kind: AuthBasic, Username: c.Username, Password: c.Password}
	case "Bearer":
		var c struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(shape.Credentials, &c); err != nil {
			return fmt.Errorf("auth: bearer credentials: %w", err)
		}
		*a = Auth{Kind: AuthBearer, Token: c.Token}
	case "ApiKey":
		var c struct {
			KeyName  string `json:"key_name"`
			KeyValue string `json:"key_value"`
			AddTo    string `json:"add_to"`
		}
		if err := json.Unmarshal(shape.Credentials, &c); err != nil {
			return fmt.Errorf("auth: apikey credentials: %w", err)
		}
		loc := APIKeyLocation(c.AddTo)
		if loc != LocationHeader && loc != LocationQuery {
			return fmt.Errorf("auth: apikey add_to must be \"header\" or \"query\", got %q", c.AddTo)
		}
		*a = Auth{Kind: AuthAPIKey, KeyName: c.KeyName, KeyValue: c.KeyValue, Location: loc}
	case "", "None":
		*a = Auth{Kind: AuthNone}
	default:
		return fmt.Errorf("auth: unknown type %q", shape.Type)
	}
	return nil
}

func (a Auth) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case AuthBasic:
		return json.Marshal(struct {
			Type        string      `json:"type"`
			Credentials interface{} `json:"credentials"`
		}{"Basic", struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}{a.Username, a.Password}})
	case AuthBearer:
		return json.Marshal(struct {
			Type        string      `json:"type"`
			Credentials interface{} `json:"credentials"`
		}{"Bearer", struct {
			Token string `json:"token"`
		}{a.Token}})
	case AuthAPIKey:
		return json.Marshal(struct {
			Type        string      `json:"type"`
			Credentials interface{} `json:"credentials"`
		}{"ApiKey", struct {
			KeyName  string `json:"key_name"`
			KeyValue string `json:"key_value"`
			AddTo    string `json:"add_to"`
		}{a.KeyName, a.KeyValue, string(a.Location)}})
	default:
		return []byte(`{"type":"None"}`), nil
	}
}

// TestConfig is the operator-supplied, immutable-once-validated load test
// description. Field names and discriminators mirror the wire schema in
// spec.md §6.
type TestConfig struct {
	Name         string     `json:"name"`
	Target       string     `json:"target"`
	Method       string     `json:"method"`
	Concurrency  int        `json:"concurrency"`
	DurationSecs int        `json:"duration"`
	TimeoutMs    int        `json:"timeout_ms"`
	Body         Body       `json:"body"`
	Auth         Auth       `json:"auth"`
	QueryParams  OrderedMap `json:"query_params"`
	Headers      OrderedMap `json:"headers"`
}

// decodeConfig parses one inbound text frame. Unknown top-level fields are
// silently ignored by encoding/json's default struct decoding, which is the
// forward-compatibility behavior spec requires. Any other decode error
// fails the whole frame; callers report it to the operator as the fixed
// "Invalid config format" message, not this error's text.
func decodeConfig(data []byte) (*TestConfig, error) {
	var cfg TestConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = defaultTimeoutMs
	}
	return &cfg, nil
}

// validationError is a semantic config rejection, reported verbatim as the
// "message" field of an error frame.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func newValidationError(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// validateConfig checks structural invariants first, then the three
// ordered capacity rules from spec §4.2. First failure wins.
func validateConfig(cfg *TestConfig, cpuCores, totalMemKB, freeMemKB uint64) error {
	if cfg.Concurrency < 1 {
		return newValidationError("concurrency must be at least 1")
	}
	if cfg.DurationSecs < 1 {
		return newValidationError("duration_secs must be at least 1")
	}
	if !allowedMethods[cfg.Method] {
		return newValidationError("unsupported method %q", cfg.Method)
	}
	target, err := url.Parse(cfg.Target)
	if err != nil || !target.IsAbs() || (target.Scheme != "http" && target.Scheme != "https") {
		return newValidationError("target must be an absolute http(s) URL")
	}
	if cfg.Auth.Kind == AuthAPIKey && cfg.Auth.Location != LocationHeader && cfg.Auth.Location != LocationQuery {
		return newValidationError("apikey auth location must be \"header\" or \"query\"")
	}

	const minFreeMemKB = 500 * 1024
	if freeMemKB < minFreeMemKB {
		return newValidationError("Insufficient free RAM: %d MB", freeMemKB/1024)
	}

	if cpuCores > 0 && uint64(cfg.Concurrency) > 3*cpuCores {
		return newValidationError("Concurrency %d is too high for CPU cores %d", cfg.Concurrency, cpuCores)
	}

	const perWorkerKB = 50 * 1024
	required := uint64(cfg.Concurrency) * perWorkerKB
	if required > freeMemKB {
		return newValidationError("Concurrency %d requires more RAM than available. Required: %d MB, Available: %d MB",
			cfg.Concurrency, required/1024, freeMemKB/1024)
	}

	return nil
}

// sanitizedTarget returns cfg.Target trimmed of surrounding whitespace; kept
// separate from validateConfig so callers constructing requests don't need
// to re-derive it.
func sanitizedTarget(cfg *TestConfig) string {
	return strings.TrimSpace(cfg.Target)
}
