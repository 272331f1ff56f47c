package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// LookupPath resolves a dotted path (e.g. "invoice.amount") against a
// data map, descending nested maps. The second return is false when any
// segment is absent.
func LookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	var value interface{} = data
	for _, segment := range strings.Split(path, ".") {
		m, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		value, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

// missingValue treats absent, nil and empty-string values as missing.
func missingValue(v interface{}, ok bool) bool {
	if !ok || v == nil {
		return true
	}
	s, isString := v.(string)
	return isString && s == ""
}

// MissingFields returns every required dotted path that does not resolve
// to a non-empty value in data. Order follows the declaration order.
func MissingFields(required []string, data map[string]interface{}) []string {
	var missing []string
	for _, field := range required {
		if missingValue(LookupPath(data, field)) {
			missing = append(missing, field)
		}
	}
	return missing
}

// schemaCache compiles template field schemas on first use and caches
// the compiled form, keyed by the raw schema text. Safe for concurrent use.
type schemaCache struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{cache: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal field schema: %w", err)
	}

	// Each schema gets a unique URL to avoid resource collisions.
	url := fmt.Sprintf("process-engine://field-schema/%d", len(c.cache))
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add field schema resource: %w", err)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile field schema: %w", err)
	}

	c.cache[key] = compiled
	return compiled, nil
}

// validate checks the data map against the raw schema. A nil or empty
// schema validates everything.
func (c *schemaCache) validate(data map[string]interface{}, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}

	compiled, err := c.compile(raw)
	if err != nil {
		return err
	}

	// Round-trip through JSON so numbers become json.Number, which the
	// jsonschema library requires.
	doc, err := toJSONValue(data)
	if err != nil {
		return fmt.Errorf("serialize data for schema validation: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return &SchemaViolationError{Violations: collectViolations(verr)}
		}
		return &SchemaViolationError{Violations: []string{err.Error()}}
	}
	return nil
}

func toJSONValue(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
