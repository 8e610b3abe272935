package db

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/iancoleman/strcase"
	"gopkg.in/yaml.v3"

	"github.com/xdevplatform/platformatic/internal/config"
	"github.com/xdevplatform/platformatic/internal/openapi"
)

// Default document info when core.openapi.info is not set.
const (
	DefaultOpenAPITitle   = "Platformatic DB"
	DefaultOpenAPIVersion = "1.0.0"
)

var whereOps = []Op{OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin}

// BuildOpenAPI describes the REST routes of the catalog.
func BuildOpenAPI(catalog *Catalog, info config.OpenAPIInfo) *openapi.Document {
	doc := &openapi.Document{
		OpenAPI: openapi.Version,
		Info: openapi.Info{
			Title:       info.Title,
			Description: info.Description,
			Version:     info.Version,
		},
		Paths: make(map[string]*openapi.PathItem),
		Components: openapi.Components{
			Schemas: make(map[string]*openapi.Schema),
		},
	}
	if doc.Info.Title == "" {
		doc.Info.Title = DefaultOpenAPITitle
	}
	if doc.Info.Version == "" {
		doc.Info.Version = DefaultOpenAPIVersion
	}

	for _, e := range catalog.Entities {
		doc.Components.Schemas[e.Name] = entitySchema(e, false)
		doc.Components.Schemas[e.Name+"Input"] = entitySchema(e, true)
		addEntityPaths(doc, catalog, e)
	}
	return doc
}

func fieldSchema(f *Field) *openapi.Schema {
	s := &openapi.Schema{Type: string(f.Type), Nullable: f.Nullable}
	if f.Type == TypeInteger {
		s.Format = "int64"
	}
	return s
}

// entitySchema is the record schema; input schemas make generated and
// defaulted columns optional.
func entitySchema(e *Entity, input bool) *openapi.Schema {
	s := &openapi.Schema{
		Type:       "object",
		Properties: make(map[string]*openapi.Schema, len(e.Fields)),
	}
	for _, f := range e.Fields {
		s.Properties[f.Name] = fieldSchema(f)
		optional := f.Nullable || (input && (f.PrimaryKey || f.AutoIncrement || f.HasDefault))
		if !optional {
			s.Required = append(s.Required, f.Name)
		}
	}
	if input {
		noExtra := false
		s.AdditionalProperties = &noExtra
	}
	return s
}

func idParameter(e *Entity) openapi.Parameter {
	return openapi.Parameter{Name: "id", In: "path", Required: true, Schema: fieldSchema(e.PrimaryKey)}
}

func fieldsParameter() openapi.Parameter {
	return openapi.Parameter{
		Name:        "fields",
		In:          "query",
		Description: "Comma separated list of fields to return",
		Schema:      &openapi.Schema{Type: "string"},
	}
}

// listParameters are the query parameters of the collection routes.
func listParameters(e *Entity) []openapi.Parameter {
	params := []openapi.Parameter{
		{Name: "limit", In: "query", Schema: &openapi.Schema{Type: "integer"}},
		{Name: "offset", In: "query", Schema: &openapi.Schema{Type: "integer"}},
		{Name: "totalCount", In: "query", Schema: &openapi.Schema{Type: "boolean"}},
		fieldsParameter(),
	}
	for _, f := range e.Fields {
		for _, op := range whereOps {
			s := fieldSchema(f)
			s.Nullable = false
			if op == OpIn || op == OpNin {
				s = &openapi.Schema{Type: "string", Description: "Comma separated list"}
			}
			params = append(params, openapi.Parameter{
				Name:   fmt.Sprintf("where.%s.%s", f.Name, op),
				In:     "query",
				Schema: s,
			})
		}
	}
	for _, f := range e.Fields {
		params = append(params, openapi.Parameter{
			Name:   "orderby." + f.Name,
			In:     "query",
			Schema: &openapi.Schema{Type: "string", Enum: []string{"asc", "desc"}},
		})
	}
	return params
}

func recordResponse(name string) map[string]*openapi.Response {
	return map[string]*openapi.Response{
		"200": {Description: "A " + name, Content: openapi.JSONContent(openapi.Ref(name))},
	}
}

func listResponse(name string) map[string]*openapi.Response {
	return map[string]*openapi.Response{
		"200": {
			Description: "A list of " + name,
			Content:     openapi.JSONContent(&openapi.Schema{Type: "array", Items: openapi.Ref(name)}),
		},
	}
}

func inputBody(e *Entity) *openapi.RequestBody {
	return &openapi.RequestBody{Required: true, Content: openapi.JSONContent(openapi.Ref(e.Name + "Input"))}
}

func addEntityPaths(doc *openapi.Document, catalog *Catalog, e *Entity) {
	plural := e.PluralName()
	tags := []string{e.Plural}
	base := "/" + e.Plural

	doc.Paths[base] = &openapi.PathItem{
		Get: &openapi.Operation{
			OperationID: "get" + plural,
			Summary:     "Get " + e.Plural,
			Tags:        tags,
			Parameters:  listParameters(e),
			Responses:   listResponse(e.Name),
		},
		Post: &openapi.Operation{
			OperationID: "create" + e.Name,
			Summary:     "Create " + e.Singular,
			Tags:        tags,
			Parameters:  []openapi.Parameter{fieldsParameter()},
			RequestBody: inputBody(e),
			Responses:   recordResponse(e.Name),
		},
		Put: &openapi.Operation{
			OperationID: "update" + plural,
			Summary:     "Update " + e.Plural,
			Tags:        tags,
			Parameters:  listParameters(e),
			RequestBody: inputBody(e),
			Responses:   listResponse(e.Name),
		},
	}

	doc.Paths[base+"/{id}"] = &openapi.PathItem{
		Get: &openapi.Operation{
			OperationID: "get" + e.Name + "ById",
			Summary:     "Get " + e.Singular + " by id",
			Tags:        tags,
			Parameters:  []openapi.Parameter{idParameter(e), fieldsParameter()},
			Responses:   recordResponse(e.Name),
		},
		Put: &openapi.Operation{
			OperationID: "update" + e.Name,
			Summary:     "Update " + e.Singular,
			Tags:        tags,
			Parameters:  []openapi.Parameter{idParameter(e), fieldsParameter()},
			RequestBody: inputBody(e),
			Responses:   recordResponse(e.Name),
		},
		Delete: &openapi.Operation{
			OperationID: "delete" + plural,
			Summary:     "Delete " + e.Singular,
			Tags:        tags,
			Parameters:  []openapi.Parameter{idParameter(e), fieldsParameter()},
			Responses:   recordResponse(e.Name),
		},
	}

	seen := map[string]bool{}
	for _, rel := range e.Relations {
		if seen[rel.Name] {
			continue
		}
		seen[rel.Name] = true
		target, _ := catalog.Entity(rel.Target)
		doc.Paths[base+"/{id}/"+rel.Name] = &openapi.PathItem{
			Get: &openapi.Operation{
				OperationID: "get" + strcase.ToCamel(rel.Name) + "For" + e.Name,
				Summary:     "Get " + rel.Name + " for " + e.Singular,
				Tags:        tags,
				Parameters:  []openapi.Parameter{idParameter(e), fieldsParameter()},
				Responses:   recordResponse(target.Name),
			},
		}
	}
	for _, rev := range e.Reverse {
		if seen[rev.Name] {
			continue
		}
		seen[rev.Name] = true
		source, _ := catalog.Entity(rev.Source)
		doc.Paths[base+"/{id}/"+rev.Name] = &openapi.PathItem{
			Get: &openapi.Operation{
				OperationID: "get" + strcase.ToCamel(rev.Name) + "For" + e.Name,
				Summary:     "Get " + rev.Name + " for " + e.Singular,
				Tags:        tags,
				Parameters:  append([]openapi.Parameter{idParameter(e)}, listParameters(source)...),
				Responses:   listResponse(source.Name),
			},
		}
	}
}

// openAPIHandlers serves the generated document as JSON and YAML.
type openAPIHandlers struct {
	doc *openapi.Document
}

func (h *openAPIHandlers) serveJSON(w http.ResponseWriter, r *http.Request) {
	WriteJSONSafe(w, http.StatusOK, h.doc)
}

func (h *openAPIHandlers) serveYAML(w http.ResponseWriter, r *http.Request) {
	out, err := documentYAML(h.doc)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// documentYAML renders doc through its JSON form so the json tags name the keys.
func documentYAML(doc *openapi.Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode OpenAPI document: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to decode OpenAPI document: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode OpenAPI document as YAML: %w", err)
	}
	return out, nil
}
