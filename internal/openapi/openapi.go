// Package openapi models OpenAPI 3 documents.
//
// The DB server builds a Document describing its REST routes and serves it at
// /documentation/json; the client generator fetches the same document from a
// running server and walks its operations. This package holds the shared
// types, $ref resolution for schemas and parameters, and the fetch helper.
package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Version is written to every document built by this module.
const Version = "3.0.3"

// Document is an OpenAPI 3 document.
type Document struct {
	OpenAPI    string               `json:"openapi"`
	Info       Info                 `json:"info"`
	Paths      map[string]*PathItem `json:"paths"`
	Components Components           `json:"components"`
}

// Info is the document metadata.
type Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

// Components holds the reusable schemas and parameters.
type Components struct {
	Schemas    map[string]*Schema    `json:"schemas,omitempty"`
	Parameters map[string]*Parameter `json:"parameters,omitempty"`
}

// PathItem represents an OpenAPI path item.
// Contains operations (GET, POST, etc.) and path-level parameters.
type PathItem struct {
	Parameters []Parameter `json:"parameters,omitempty"`
	Get        *Operation  `json:"get,omitempty"`
	Post       *Operation  `json:"post,omitempty"`
	Put        *Operation  `json:"put,omitempty"`
	Patch      *Operation  `json:"patch,omitempty"`
	Delete     *Operation  `json:"delete,omitempty"`
}

// Operation represents an OpenAPI operation.
type Operation struct {
	OperationID string               `json:"operationId,omitempty"`
	Summary     string               `json:"summary,omitempty"`
	Description string               `json:"description,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	Parameters  []Parameter          `json:"parameters,omitempty"`
	RequestBody *RequestBody         `json:"requestBody,omitempty"`
	Responses   map[string]*Response `json:"responses"`
}

// Parameter represents an OpenAPI parameter.
// Can be a path, query, header, or cookie parameter.
type Parameter struct {
	Ref         string  `json:"$ref,omitempty"`
	Name        string  `json:"name,omitempty"`
	In          string  `json:"in,omitempty"`
	Description string  `json:"description,omitempty"`
	Required    bool    `json:"required,omitempty"`
	Schema      *Schema `json:"schema,omitempty"`
}

// UnmarshalJSON captures $ref-only parameters as well as full definitions.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal parameter as map: %w", err)
	}

	var ref string
	if rawRef, ok := raw["$ref"]; ok {
		if err := json.Unmarshal(rawRef, &ref); err != nil {
			return fmt.Errorf("failed to unmarshal parameter $ref: %w", err)
		}
		if len(raw) == 1 {
			*p = Parameter{Ref: ref}
			return nil
		}
	}

	type parameterAlias Parameter
	var alias parameterAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return fmt.Errorf("failed to unmarshal parameter struct: %w", err)
	}
	*p = Parameter(alias)
	p.Ref = ref
	return nil
}

// RequestBody represents an OpenAPI request body.
type RequestBody struct {
	Description string               `json:"description,omitempty"`
	Required    bool                 `json:"required,omitempty"`
	Content     map[string]MediaType `json:"content"`
}

// Response represents an OpenAPI response.
type Response struct {
	Description string               `json:"description"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// MediaType pairs a content type with its schema.
type MediaType struct {
	Schema *Schema `json:"schema,omitempty"`
}

// Schema is the subset of JSON schema used in documents.
type Schema struct {
	Ref                  string             `json:"$ref,omitempty"`
	Type                 string             `json:"type,omitempty"`
	Format               string             `json:"format,omitempty"`
	Description          string             `json:"description,omitempty"`
	Nullable             bool               `json:"nullable,omitempty"`
	Enum                 []string           `json:"enum,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
}

// Ref returns a schema referencing a component schema by name.
func Ref(name string) *Schema {
	return &Schema{Ref: "#/components/schemas/" + name}
}

// JSONContent wraps a schema in an application/json content map.
func JSONContent(s *Schema) map[string]MediaType {
	return map[string]MediaType{"application/json": {Schema: s}}
}

// EndpointOperation represents an operation for a specific endpoint.
type EndpointOperation struct {
	Path      string
	Method    string
	PathItem  *PathItem
	Operation *Operation
}

// Operations returns every operation in the document, ordered by path and
// then by method (GET, POST, PUT, PATCH, DELETE).
func (d *Document) Operations() []EndpointOperation {
	paths := make([]string, 0, len(d.Paths))
	for p := range d.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var operations []EndpointOperation
	for _, p := range paths {
		operations = append(operations, extractOperations(p, d.Paths[p])...)
	}
	return operations
}

// extractOperations extracts all operations from a path item.
func extractOperations(path string, item *PathItem) []EndpointOperation {
	if item == nil {
		return nil
	}
	var operations []EndpointOperation
	add := func(method string, op *Operation) {
		if op != nil {
			operations = append(operations, EndpointOperation{Path: path, Method: method, PathItem: item, Operation: op})
		}
	}
	add(http.MethodGet, item.Get)
	add(http.MethodPost, item.Post)
	add(http.MethodPut, item.Put)
	add(http.MethodPatch, item.Patch)
	add(http.MethodDelete, item.Delete)
	return operations
}

// MatchesPath checks if a request path matches an OpenAPI path pattern.
func MatchesPath(specPath, requestPath string) bool {
	requestPath = strings.Split(requestPath, "?")[0]

	specParts := strings.Split(strings.TrimSuffix(specPath, "/"), "/")
	requestParts := strings.Split(strings.TrimSuffix(requestPath, "/"), "/")
	if len(specParts) != len(requestParts) {
		return false
	}
	for i := range specParts {
		if strings.HasPrefix(specParts[i], "{") && strings.HasSuffix(specParts[i], "}") {
			continue
		}
		if specParts[i] != requestParts[i] {
			return false
		}
	}
	return true
}

// ResponseSchema returns the JSON schema of the first 2xx response, falling
// back to "default".
func (op *Operation) ResponseSchema() *Schema {
	codes := make([]string, 0, len(op.Responses))
	for code := range op.Responses {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		if strings.HasPrefix(code, "2") {
			if s := jsonSchema(op.Responses[code].Content); s != nil {
				return s
			}
		}
	}
	if resp, ok := op.Responses["default"]; ok {
		return jsonSchema(resp.Content)
	}
	return nil
}

// RequestBodySchema extracts the request body schema from an operation.
func (op *Operation) RequestBodySchema() *Schema {
	if op.RequestBody == nil {
		return nil
	}
	return jsonSchema(op.RequestBody.Content)
}

func jsonSchema(content map[string]MediaType) *Schema {
	if mt, ok := content["application/json"]; ok {
		return mt.Schema
	}
	return nil
}

// ParametersIn returns the resolved parameters located in `in` (path, query),
// path-level ones first, operation-level ones overriding by name.
func (d *Document) ParametersIn(item *PathItem, op *Operation, in string) []Parameter {
	var params []Parameter
	appendParam := func(p Parameter) {
		resolved := d.ResolveParameter(p)
		if resolved.In != in {
			return
		}
		for i, existing := range params {
			if existing.Name == resolved.Name {
				params[i] = resolved
				return
			}
		}
		params = append(params, resolved)
	}
	if item != nil {
		for _, p := range item.Parameters {
			appendParam(p)
		}
	}
	for _, p := range op.Parameters {
		appendParam(p)
	}
	return params
}

// ResolveParameter follows a #/components/parameters/ reference. Parameters
// without a reference, or with an unknown one, are returned unchanged.
func (d *Document) ResolveParameter(p Parameter) Parameter {
	if p.Ref == "" || !strings.HasPrefix(p.Ref, "#/components/parameters/") {
		return p
	}
	name := strings.TrimPrefix(p.Ref, "#/components/parameters/")
	if resolved, ok := d.Components.Parameters[name]; ok && resolved != nil {
		return *resolved
	}
	return p
}

// ResolveSchema follows #/components/schemas/ references until it reaches a
// concrete schema. It returns nil for unknown references and stops on cycles.
func (d *Document) ResolveSchema(s *Schema) *Schema {
	seen := make(map[string]bool)
	for s != nil && s.Ref != "" {
		if seen[s.Ref] {
			return nil
		}
		seen[s.Ref] = true
		name, ok := SchemaName(s.Ref)
		if !ok {
			return nil
		}
		s = d.Components.Schemas[name]
	}
	return s
}

// SchemaName returns the component name of a #/components/schemas/ reference.
func SchemaName(ref string) (string, bool) {
	const prefix = "#/components/schemas/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, prefix), true
}

// Parse decodes a JSON document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}
	if doc.OpenAPI == "" {
		return nil, fmt.Errorf("failed to parse OpenAPI document: missing openapi version")
	}
	return &doc, nil
}

// Fetch downloads and parses the document at url. The raw bytes are returned
// alongside so callers can store them.
func Fetch(ctx context.Context, client *http.Client, url string) (*Document, []byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch OpenAPI document from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("failed to fetch OpenAPI document from %s: unexpected status code: %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read OpenAPI document: %w", err)
	}
	doc, err := Parse(body)
	if err != nil {
		return nil, nil, err
	}
	return doc, body, nil
}
