package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

const introspectionQuery = `query IntrospectionQuery {
  __schema {
    queryType { name }
    mutationType { name }
    subscriptionType { name }
    types {
      kind
      name
      description
      fields(includeDeprecated: true) {
        name
        args { name type { ...TypeRef } }
        type { ...TypeRef }
      }
      inputFields { name type { ...TypeRef } }
      enumValues(includeDeprecated: true) { name }
    }
  }
}

fragment TypeRef on __Type {
  kind
  name
  ofType {
    kind
    name
    ofType {
      kind
      name
      ofType {
        kind
        name
        ofType {
          kind
          name
          ofType { kind name }
        }
      }
    }
  }
}`

// typeRef is an introspected type reference: NON_NULL and LIST wrap OfType.
type typeRef struct {
	Kind   string
	Name   string
	OfType *typeRef
}

func parseTypeRef(r gjson.Result) *typeRef {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	return &typeRef{
		Kind:   r.Get("kind").String(),
		Name:   r.Get("name").String(),
		OfType: parseTypeRef(r.Get("ofType")),
	}
}

// SDL renders the reference the way it is written in a schema.
func (t *typeRef) SDL() string {
	switch {
	case t == nil:
		return ""
	case t.Kind == "NON_NULL":
		return t.OfType.SDL() + "!"
	case t.Kind == "LIST":
		return "[" + t.OfType.SDL() + "]"
	}
	return t.Name
}

type gqlField struct {
	Name string
	Args []gqlField
	Type *typeRef
}

type gqlType struct {
	Kind        string
	Name        string
	Description string
	Fields      []gqlField
	EnumValues  []string
}

type gqlSchema struct {
	Query        string
	Mutation     string
	Subscription string
	Types        []gqlType
}

func parseFields(list gjson.Result) []gqlField {
	var fields []gqlField
	list.ForEach(func(_, f gjson.Result) bool {
		field := gqlField{Name: f.Get("name").String(), Type: parseTypeRef(f.Get("type"))}
		f.Get("args").ForEach(func(_, a gjson.Result) bool {
			field.Args = append(field.Args, gqlField{Name: a.Get("name").String(), Type: parseTypeRef(a.Get("type"))})
			return true
		})
		fields = append(fields, field)
		return true
	})
	return fields
}

// parseIntrospection reads an introspection response body.
func parseIntrospection(body []byte) (*gqlSchema, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("failed to parse introspection response: invalid JSON")
	}
	res := gjson.ParseBytes(body)
	if errs := res.Get("errors").Array(); len(errs) > 0 {
		return nil, fmt.Errorf("introspection failed: %s", errs[0].Get("message").String())
	}
	root := res.Get("data.__schema")
	if !root.Exists() {
		return nil, fmt.Errorf("failed to parse introspection response: missing __schema")
	}

	schema := &gqlSchema{
		Query:        root.Get("queryType.name").String(),
		Mutation:     root.Get("mutationType.name").String(),
		Subscription: root.Get("subscriptionType.name").String(),
	}
	root.Get("types").ForEach(func(_, t gjson.Result) bool {
		typ := gqlType{
			Kind:        t.Get("kind").String(),
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
		}
		if typ.Kind == "INPUT_OBJECT" {
			typ.Fields = parseFields(t.Get("inputFields"))
		} else {
			typ.Fields = parseFields(t.Get("fields"))
		}
		t.Get("enumValues").ForEach(func(_, v gjson.Result) bool {
			typ.EnumValues = append(typ.EnumValues, v.Get("name").String())
			return true
		})
		schema.Types = append(schema.Types, typ)
		return true
	})
	sort.Slice(schema.Types, func(i, j int) bool { return schema.Types[i].Name < schema.Types[j].Name })
	return schema, nil
}

var builtinScalars = map[string]bool{"ID": true, "String": true, "Int": true, "Float": true, "Boolean": true}

func (s *gqlSchema) isRoot(name string) bool {
	return name != "" && (name == s.Query || name == s.Mutation || name == s.Subscription)
}

// SDL prints the schema in the GraphQL schema language.
func (s *gqlSchema) SDL() string {
	var b strings.Builder
	b.WriteString("schema {\n")
	if s.Query != "" {
		fmt.Fprintf(&b, "  query: %s\n", s.Query)
	}
	if s.Mutation != "" {
		fmt.Fprintf(&b, "  mutation: %s\n", s.Mutation)
	}
	if s.Subscription != "" {
		fmt.Fprintf(&b, "  subscription: %s\n", s.Subscription)
	}
	b.WriteString("}\n")

	for _, t := range s.Types {
		if strings.HasPrefix(t.Name, "__") || (t.Kind == "SCALAR" && builtinScalars[t.Name]) {
			continue
		}
		b.WriteString("\n")
		if t.Description != "" {
			fmt.Fprintf(&b, "%q\n", t.Description)
		}
		switch t.Kind {
		case "SCALAR":
			fmt.Fprintf(&b, "scalar %s\n", t.Name)
		case "ENUM":
			fmt.Fprintf(&b, "enum %s {\n", t.Name)
			for _, v := range t.EnumValues {
				fmt.Fprintf(&b, "  %s\n", v)
			}
			b.WriteString("}\n")
		case "OBJECT", "INTERFACE", "INPUT_OBJECT":
			keyword := map[string]string{"OBJECT": "type", "INTERFACE": "interface", "INPUT_OBJECT": "input"}[t.Kind]
			fmt.Fprintf(&b, "%s %s {\n", keyword, t.Name)
			for _, f := range t.Fields {
				b.WriteString("  " + f.Name)
				if len(f.Args) > 0 {
					args := make([]string, len(f.Args))
					for i, a := range f.Args {
						args[i] = a.Name + ": " + a.Type.SDL()
					}
					b.WriteString("(" + strings.Join(args, ", ") + ")")
				}
				b.WriteString(": " + f.Type.SDL() + "\n")
			}
			b.WriteString("}\n")
		case "UNION":
			fmt.Fprintf(&b, "union %s\n", t.Name)
		}
	}
	return b.String()
}

// goType maps a field type to Go. Named objects become pointers so partial
// selections stay omitted.
func (s *gqlSchema) goType(t *typeRef) string {
	if t == nil {
		return "json.RawMessage"
	}
	switch t.Kind {
	case "NON_NULL":
		return s.goType(t.OfType)
	case "LIST":
		return "[]" + strings.TrimPrefix(s.goType(t.OfType), "*")
	case "SCALAR":
		switch t.Name {
		case "ID":
			return "ID"
		case "String":
			return "string"
		case "Int":
			return "int64"
		case "Float":
			return "float64"
		case "Boolean":
			return "bool"
		}
		return "json.RawMessage"
	case "ENUM":
		return "string"
	case "OBJECT":
		if s.isRoot(t.Name) {
			return "json.RawMessage"
		}
		return "*" + typeName(t.Name)
	}
	return "json.RawMessage"
}

// graphQLModel declares one struct per object type outside the root
// operation types.
func graphQLModel(schema *gqlSchema) *packageModel {
	model := &packageModel{}
	for _, t := range schema.Types {
		if t.Kind != "OBJECT" || strings.HasPrefix(t.Name, "__") || schema.isRoot(t.Name) {
			continue
		}
		st := goStruct{Name: typeName(t.Name), Doc: typeName(t.Name) + " is the " + t.Name + " type."}
		for _, f := range t.Fields {
			st.addField(goField{Name: exportName(f.Name), Type: schema.goType(f.Type), JSON: f.Name + ",omitempty"})
		}
		model.Types = append(model.Types, st)
	}
	return model
}

func introspect(ctx context.Context, hc *http.Client, endpoint string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"query": introspectionQuery})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read introspection response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to introspect %s: unexpected status code: %d", endpoint, resp.StatusCode)
	}
	return body, nil
}

func generateGraphQL(ctx context.Context, hc *http.Client, endpoint string) (*packageModel, []byte, error) {
	body, err := introspect(ctx, hc, endpoint)
	if err != nil {
		return nil, nil, err
	}
	schema, err := parseIntrospection(body)
	if err != nil {
		return nil, nil, err
	}
	return graphQLModel(schema), []byte(schema.SDL()), nil
}
