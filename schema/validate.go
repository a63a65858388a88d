package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// FieldError is one schema violation, resolved to the human titles along
// the failing field path.
type FieldError struct {
	Path   string
	Titles []string
	Reason string
	Value  interface{}
}

// Message renders the violation in the form shown to users:
// "<title>[,<title>...]: <reason>. You provided: <value>."
func (e FieldError) Message() string {
	return fmt.Sprintf("%s: %s. You provided: %v.", strings.Join(e.Titles, ","), e.Reason, e.Value)
}

// ValidationError reports that parameters do not satisfy a plugin schema.
// Its message carries one line per violation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		lines[i] = f.Message()
	}
	return strings.Join(lines, "\n")
}

// Validate checks params against the plugin schema. Schema violations come
// back as a *ValidationError; any other error means the schema or document
// itself could not be processed.
func Validate(schemaJSON, params json.RawMessage) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(params),
	)
	if err != nil {
		return fmt.Errorf("schema: validating params: %w", err)
	}
	if result.Valid() {
		return nil
	}

	titles := newTitleResolver(schemaJSON)
	verr := &ValidationError{}
	for _, resErr := range result.Errors() {
		path := errorPath(resErr)
		valuePath := path
		if resErr.Type() == "required" && len(valuePath) > 0 {
			// A required violation reports the parent object as its value.
			valuePath = valuePath[:len(valuePath)-1]
		}
		verr.Fields = append(verr.Fields, FieldError{
			Path:   strings.Join(path, "."),
			Titles: titles.titlesFor(path),
			Reason: resErr.Description(),
			Value:  titles.rewriteValue(valuePath, resErr.Value()),
		})
	}
	return verr
}

// rootContext is how the validator names the document root in field paths.
const rootContext = "(root)"

// errorPath extracts the failing field path from a result error. Required
// violations point at the object missing the property; the property name
// from the error details is appended so the path names the missing field.
func errorPath(resErr gojsonschema.ResultError) []string {
	var path []string
	if field := resErr.Field(); field != rootContext {
		path = strings.Split(field, ".")
	}
	if resErr.Type() == "required" {
		if property, ok := resErr.Details()["property"].(string); ok {
			path = append(path, property)
		}
	}
	return path
}

// titleResolver walks the parsed schema document to map field paths onto
// their declared titles.
type titleResolver struct {
	doc map[string]interface{}
}

func newTitleResolver(schemaJSON json.RawMessage) *titleResolver {
	var doc map[string]interface{}
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		doc = nil
	}
	return &titleResolver{doc: doc}
}

// titlesFor resolves each path segment to its schema title, falling back
// to the raw segment name when no title is declared.
func (r *titleResolver) titlesFor(path []string) []string {
	if len(path) == 0 {
		return []string{rootContext}
	}
	titles := make([]string, 0, len(path))
	node := r.doc
	for _, segment := range path {
		if _, err := strconv.Atoi(segment); err == nil {
			titles = append(titles, segment)
			node, _ = childSchema(node, "items").(map[string]interface{})
			continue
		}
		property, _ := childProperty(node, segment).(map[string]interface{})
		if title, ok := property["title"].(string); ok && title != "" {
			titles = append(titles, title)
		} else {
			titles = append(titles, segment)
		}
		node = property
	}
	return titles
}

// rewriteValue maps the keys of an offending object value from schema field
// names to their titles so the message shows the names users know.
func (r *titleResolver) rewriteValue(path []string, value interface{}) interface{} {
	object, ok := value.(map[string]interface{})
	if !ok {
		return value
	}
	node := r.nodeAt(path)
	rewritten := make(map[string]interface{}, len(object))
	for key, inner := range object {
		property, _ := childProperty(node, key).(map[string]interface{})
		if title, ok := property["title"].(string); ok && title != "" {
			rewritten[title] = inner
		} else {
			rewritten[key] = inner
		}
	}
	return rewritten
}

// nodeAt descends the schema along a field path and returns the schema node
// describing the value at that path.
func (r *titleResolver) nodeAt(path []string) map[string]interface{} {
	node := r.doc
	for _, segment := range path {
		if _, err := strconv.Atoi(segment); err == nil {
			node, _ = childSchema(node, "items").(map[string]interface{})
			continue
		}
		node, _ = childProperty(node, segment).(map[string]interface{})
	}
	return node
}

func childProperty(node map[string]interface{}, name string) interface{} {
	if node == nil {
		return nil
	}
	properties, ok := node["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	return properties[name]
}

func childSchema(node map[string]interface{}, name string) interface{} {
	if node == nil {
		return nil
	}
	return node[name]
}
