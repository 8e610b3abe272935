package client

import (
	"context"
	"net/http"
	"sort"

	"github.com/xdevplatform/platformatic/internal/openapi"
)

type goParam struct {
	Field string
	Name  string
}

type goOperation struct {
	Name        string
	Method      string
	Path        string
	Summary     string
	Request     goStruct
	PathParams  []goParam
	QueryParams []goParam
	HasBody     bool
	Result      string
}

func generateOpenAPI(ctx context.Context, hc *http.Client, docURL string) (*packageModel, []byte, error) {
	doc, raw, err := openapi.Fetch(ctx, hc, docURL)
	if err != nil {
		return nil, nil, err
	}
	return openAPIModel(doc), raw, nil
}

// openAPIModel maps component schemas to structs and operations to methods.
func openAPIModel(doc *openapi.Document) *packageModel {
	g := &openAPIGenerator{doc: doc}
	model := &packageModel{}

	names := make([]string, 0, len(doc.Components.Schemas))
	for name := range doc.Components.Schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := doc.Components.Schemas[name]
		if s == nil || s.Type != "object" {
			continue
		}
		st := goStruct{Name: typeName(name), Doc: typeName(name) + " is the " + name + " schema."}
		for _, f := range g.objectFields(s) {
			st.addField(f)
		}
		model.Types = append(model.Types, st)
	}

	for _, ep := range doc.Operations() {
		model.Operations = append(model.Operations, g.operation(ep))
	}
	return model
}

type openAPIGenerator struct {
	doc *openapi.Document
}

// objectFields lists the properties of s sorted by name. Required and
// non-nullable properties are values, the others pointers.
func (g *openAPIGenerator) objectFields(s *openapi.Schema) []goField {
	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}
	props := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		props = append(props, name)
	}
	sort.Strings(props)

	fields := make([]goField, 0, len(props))
	for _, name := range props {
		prop := s.Properties[name]
		typ := g.goType(prop)
		tag := name
		if !required[name] || g.nullable(prop) {
			typ = pointer(typ)
			tag += ",omitempty"
		}
		fields = append(fields, goField{Name: exportName(name), Type: typ, JSON: tag})
	}
	return fields
}

func (g *openAPIGenerator) nullable(s *openapi.Schema) bool {
	resolved := g.doc.ResolveSchema(s)
	return resolved != nil && resolved.Nullable
}

// goType maps a schema to a Go type expression.
func (g *openAPIGenerator) goType(s *openapi.Schema) string {
	if s == nil {
		return "json.RawMessage"
	}
	if s.Ref != "" {
		if name, ok := openapi.SchemaName(s.Ref); ok {
			if target := g.doc.Components.Schemas[name]; target != nil && target.Type == "object" {
				return typeName(name)
			}
		}
		return g.goType(g.doc.ResolveSchema(s))
	}
	switch s.Type {
	case "integer":
		return "int64"
	case "number":
		return "float64"
	case "boolean":
		return "bool"
	case "string":
		return "string"
	case "array":
		return "[]" + g.goType(s.Items)
	case "object":
		return "map[string]interface{}"
	}
	return "json.RawMessage"
}

func pointer(typ string) string {
	switch {
	case typ == "json.RawMessage", typ == "map[string]interface{}":
		return typ
	case len(typ) > 2 && typ[:2] == "[]":
		return typ
	}
	return "*" + typ
}

func (g *openAPIGenerator) operation(ep openapi.EndpointOperation) goOperation {
	id := ep.Operation.OperationID
	if id == "" {
		id = ep.Method + " " + ep.Path
	}
	op := goOperation{
		Name:    exportName(id),
		Method:  ep.Method,
		Path:    ep.Path,
		Summary: ep.Operation.Summary,
		Result:  "json.RawMessage",
	}
	op.Request = goStruct{
		Name: op.Name + "Request",
		Doc:  op.Name + "Request holds the parameters of " + op.Name + ".",
	}

	for _, p := range g.doc.ParametersIn(ep.PathItem, ep.Operation, "path") {
		field := exportName(p.Name)
		if op.Request.addField(goField{Name: field, Type: scalarType(g.goType(p.Schema)), JSON: "-"}) {
			op.PathParams = append(op.PathParams, goParam{Field: field, Name: p.Name})
		}
	}
	for _, p := range g.doc.ParametersIn(ep.PathItem, ep.Operation, "query") {
		field := exportName(p.Name)
		if op.Request.addField(goField{Name: field, Type: "*" + scalarType(g.goType(p.Schema)), JSON: "-"}) {
			op.QueryParams = append(op.QueryParams, goParam{Field: field, Name: p.Name})
		}
	}
	if body := g.doc.ResolveSchema(ep.Operation.RequestBodySchema()); body != nil && body.Type == "object" {
		op.HasBody = true
		for _, f := range g.objectFields(body) {
			op.Request.addField(f)
		}
	}

	if resp := ep.Operation.ResponseSchema(); resp != nil {
		op.Result = g.goType(resp)
	}
	return op
}

// scalarType narrows query parameter types to values fmt.Sprint can encode.
func scalarType(typ string) string {
	switch typ {
	case "int64", "float64", "bool", "string":
		return typ
	}
	return "string"
}
