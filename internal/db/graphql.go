package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/iancoleman/strcase"
)

// graphQLBuilder assembles the schema types of a catalog. Object types refer
// to each other through relations, so their fields are thunks resolved once
// every type exists.
type graphQLBuilder struct {
	svc     *Service
	objects map[string]*graphql.Object
	inputs  map[string]*graphql.InputObject
	wheres  map[string]*graphql.InputObject
	orders  map[string]*graphql.InputObject
	counts  map[string]*graphql.Object
}

var orderByDirection = graphql.NewEnum(graphql.EnumConfig{
	Name: "OrderByDirection",
	Values: graphql.EnumValueConfigMap{
		"ASC":  &graphql.EnumValueConfig{Value: "asc"},
		"DESC": &graphql.EnumValueConfig{Value: "desc"},
	},
})

// BuildGraphQLSchema creates the queries and mutations of every entity.
func BuildGraphQLSchema(svc *Service) (graphql.Schema, error) {
	b := &graphQLBuilder{
		svc:     svc,
		objects: make(map[string]*graphql.Object),
		inputs:  make(map[string]*graphql.InputObject),
		wheres:  make(map[string]*graphql.InputObject),
		orders:  make(map[string]*graphql.InputObject),
		counts:  make(map[string]*graphql.Object),
	}
	entities := svc.Catalog().Entities
	if len(entities) == 0 {
		return graphql.Schema{}, errors.New("no entities to expose over GraphQL")
	}
	for _, e := range entities {
		b.addTypes(e)
	}

	queries := graphql.Fields{}
	mutations := graphql.Fields{}
	for _, e := range entities {
		b.addQueries(queries, e)
		b.addMutations(mutations, e)
	}

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query:    graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: queries}),
		Mutation: graphql.NewObject(graphql.ObjectConfig{Name: "Mutation", Fields: mutations}),
	})
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("failed to build GraphQL schema: %w", err)
	}
	return schema, nil
}

// graphQLScalar types keys as ID: primary keys and the columns that
// reference them.
func graphQLScalar(e *Entity, f *Field) *graphql.Scalar {
	if f.PrimaryKey {
		return graphql.ID
	}
	for _, rel := range e.Relations {
		if rel.Field == f.Name {
			return graphql.ID
		}
	}
	switch f.Type {
	case TypeInteger:
		return graphql.Int
	case TypeNumber:
		return graphql.Float
	case TypeBoolean:
		return graphql.Boolean
	default:
		return graphql.String
	}
}

func (b *graphQLBuilder) addTypes(e *Entity) {
	b.objects[e.Name] = graphql.NewObject(graphql.ObjectConfig{
		Name: e.Name,
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			return b.objectFields(e)
		}),
	})

	input := graphql.InputObjectConfigFieldMap{}
	where := graphql.InputObjectConfigFieldMap{}
	orderValues := graphql.EnumValueConfigMap{}
	for _, f := range e.Fields {
		scalar := graphQLScalar(e, f)
		input[f.Name] = &graphql.InputObjectFieldConfig{Type: scalar}
		where[f.Name] = &graphql.InputObjectFieldConfig{Type: graphql.NewInputObject(graphql.InputObjectConfig{
			Name: e.Name + "WhereArguments" + strcase.ToCamel(f.Name),
			Fields: graphql.InputObjectConfigFieldMap{
				"eq":  &graphql.InputObjectFieldConfig{Type: scalar},
				"neq": &graphql.InputObjectFieldConfig{Type: scalar},
				"gt":  &graphql.InputObjectFieldConfig{Type: scalar},
				"gte": &graphql.InputObjectFieldConfig{Type: scalar},
				"lt":  &graphql.InputObjectFieldConfig{Type: scalar},
				"lte": &graphql.InputObjectFieldConfig{Type: scalar},
				"in":  &graphql.InputObjectFieldConfig{Type: graphql.NewList(graphql.NewNonNull(scalar))},
				"nin": &graphql.InputObjectFieldConfig{Type: graphql.NewList(graphql.NewNonNull(scalar))},
			},
		})}
		orderValues[f.Name] = &graphql.EnumValueConfig{Value: f.Name}
	}

	b.inputs[e.Name] = graphql.NewInputObject(graphql.InputObjectConfig{Name: e.Name + "Input", Fields: input})
	b.wheres[e.Name] = graphql.NewInputObject(graphql.InputObjectConfig{Name: e.Name + "WhereArguments", Fields: where})
	b.orders[e.Name] = graphql.NewInputObject(graphql.InputObjectConfig{
		Name: e.Name + "OrderByArguments",
		Fields: graphql.InputObjectConfigFieldMap{
			"field": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.NewEnum(graphql.EnumConfig{
				Name:   e.Name + "OrderByField",
				Values: orderValues,
			}))},
			"direction": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(orderByDirection)},
		},
	})
	b.counts[e.Name] = graphql.NewObject(graphql.ObjectConfig{
		Name:   e.PluralName() + "Count",
		Fields: graphql.Fields{"total": &graphql.Field{Type: graphql.Int}},
	})
}

// objectFields lists the columns of e plus one field per relation.
func (b *graphQLBuilder) objectFields(e *Entity) graphql.Fields {
	fields := graphql.Fields{}
	for _, f := range e.Fields {
		fields[f.Name] = &graphql.Field{Type: graphQLScalar(e, f)}
	}
	for _, rel := range e.Relations {
		rel := rel
		if _, taken := fields[rel.Name]; taken {
			continue
		}
		target, _ := b.svc.Catalog().Entity(rel.Target)
		fields[rel.Name] = &graphql.Field{
			Type: b.objects[target.Name],
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				src, _ := p.Source.(map[string]interface{})
				ref := src[rel.Field]
				if ref == nil {
					return nil, nil
				}
				tf, _ := target.Field(rel.TargetField)
				records, err := b.svc.Find(p.Context, target, Query{
					Where: []Condition{{Field: tf.Name, Op: OpEq, Value: ref}},
					Limit: 1,
				}, nil)
				if err != nil || len(records) == 0 {
					return nil, err
				}
				return map[string]interface{}(records[0]), nil
			},
		}
	}
	for _, rev := range e.Reverse {
		rev := rev
		if _, taken := fields[rev.Name]; taken {
			continue
		}
		source, _ := b.svc.Catalog().Entity(rev.Source)
		fields[rev.Name] = &graphql.Field{
			Type: graphql.NewList(b.objects[source.Name]),
			Args: b.listArgs(source),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				src, _ := p.Source.(map[string]interface{})
				id := src[e.PrimaryKey.Name]
				if id == nil {
					return []interface{}{}, nil
				}
				q, err := queryFromArgs(source, p.Args)
				if err != nil {
					return nil, err
				}
				fk, _ := source.Field(rev.SourceField)
				key, err := fk.Coerce(id)
				if err != nil {
					return nil, err
				}
				q.Where = append(q.Where, Condition{Field: fk.Name, Op: OpEq, Value: key})
				records, err := b.svc.Find(p.Context, source, q, nil)
				if err != nil {
					return nil, err
				}
				return recordsToMaps(records), nil
			},
		}
	}
	return fields
}

func (b *graphQLBuilder) listArgs(e *Entity) graphql.FieldConfigArgument {
	return graphql.FieldConfigArgument{
		"limit":   &graphql.ArgumentConfig{Type: graphql.Int},
		"offset":  &graphql.ArgumentConfig{Type: graphql.Int},
		"orderBy": &graphql.ArgumentConfig{Type: graphql.NewList(graphql.NewNonNull(b.orders[e.Name]))},
		"where":   &graphql.ArgumentConfig{Type: b.wheres[e.Name]},
	}
}

func (b *graphQLBuilder) addQueries(queries graphql.Fields, e *Entity) {
	queries[e.Plural] = &graphql.Field{
		Type: graphql.NewList(b.objects[e.Name]),
		Args: b.listArgs(e),
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			q, err := queryFromArgs(e, p.Args)
			if err != nil {
				return nil, err
			}
			records, err := b.svc.Find(p.Context, e, q, nil)
			if err != nil {
				return nil, err
			}
			return recordsToMaps(records), nil
		},
	}

	queries["get"+e.Name+"ById"] = &graphql.Field{
		Type: b.objects[e.Name],
		Args: graphql.FieldConfigArgument{
			"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			rec, err := b.svc.FindByID(p.Context, e, p.Args["id"], nil)
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return map[string]interface{}(rec), nil
		},
	}

	queries["count"+e.PluralName()] = &graphql.Field{
		Type: b.counts[e.Name],
		Args: graphql.FieldConfigArgument{
			"where": &graphql.ArgumentConfig{Type: b.wheres[e.Name]},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			where, err := whereFromArg(e, p.Args["where"])
			if err != nil {
				return nil, err
			}
			total, err := b.svc.Count(p.Context, e, where)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"total": total}, nil
		},
	}
}

func (b *graphQLBuilder) addMutations(mutations graphql.Fields, e *Entity) {
	mutations["save"+e.Name] = &graphql.Field{
		Type: b.objects[e.Name],
		Args: graphql.FieldConfigArgument{
			"input": &graphql.ArgumentConfig{Type: graphql.NewNonNull(b.inputs[e.Name])},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			input, _ := p.Args["input"].(map[string]interface{})
			rec, err := e.CoerceInput(input)
			if err != nil {
				return nil, err
			}
			saved, err := b.svc.Save(p.Context, e, rec)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}(saved), nil
		},
	}

	mutations["insert"+e.PluralName()] = &graphql.Field{
		Type: graphql.NewList(b.objects[e.Name]),
		Args: graphql.FieldConfigArgument{
			"inputs": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(b.inputs[e.Name])))},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			inputs, _ := p.Args["inputs"].([]interface{})
			out := make([]interface{}, 0, len(inputs))
			for _, raw := range inputs {
				input, _ := raw.(map[string]interface{})
				rec, err := e.CoerceInput(input)
				if err != nil {
					return nil, err
				}
				created, err := b.svc.Insert(p.Context, e, rec)
				if err != nil {
					return nil, err
				}
				out = append(out, map[string]interface{}(created))
			}
			return out, nil
		},
	}

	mutations["delete"+e.PluralName()] = &graphql.Field{
		Type: graphql.NewList(b.objects[e.Name]),
		Args: graphql.FieldConfigArgument{
			"where": &graphql.ArgumentConfig{Type: graphql.NewNonNull(b.wheres[e.Name])},
		},
		Resolve: func(p graphql.ResolveParams) (interface{}, error) {
			where, err := whereFromArg(e, p.Args["where"])
			if err != nil {
				return nil, err
			}
			deleted, err := b.svc.Delete(p.Context, e, where)
			if err != nil {
				return nil, err
			}
			return recordsToMaps(deleted), nil
		},
	}
}

// queryFromArgs reads limit, offset, orderBy and where from GraphQL
// arguments or plugin options, which share one shape.
func queryFromArgs(e *Entity, args map[string]interface{}) (Query, error) {
	var q Query
	var err error
	if q.Limit, err = nonNegativeArg(args, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = nonNegativeArg(args, "offset"); err != nil {
		return q, err
	}
	if orders, ok := args["orderBy"].([]interface{}); ok {
		for _, raw := range orders {
			order, _ := raw.(map[string]interface{})
			name, _ := order["field"].(string)
			f, ok := e.Field(name)
			if !ok {
				return q, &ValidationError{Message: fmt.Sprintf("unknown orderBy field %s", name)}
			}
			direction, _ := order["direction"].(string)
			q.OrderBy = append(q.OrderBy, OrderBy{Field: f.Name, Desc: strings.EqualFold(direction, "desc")})
		}
	}
	where, err := whereFromArg(e, args["where"])
	if err != nil {
		return q, err
	}
	q.Where = where
	return q, nil
}

func nonNegativeArg(args map[string]interface{}, key string) (int, error) {
	var n int64
	switch v := args[key].(type) {
	case nil:
		return 0, nil
	case int:
		n = int64(v)
	case int64:
		n = v
	case float64:
		n = int64(v)
	default:
		return 0, &ValidationError{Message: fmt.Sprintf("%s must be a non-negative integer", key)}
	}
	if n < 0 {
		return 0, &ValidationError{Message: fmt.Sprintf("%s must be a non-negative integer", key)}
	}
	return int(n), nil
}

// whereFromArg converts {field: {op: value}} into conditions.
func whereFromArg(e *Entity, arg interface{}) ([]Condition, error) {
	fields, _ := arg.(map[string]interface{})
	var where []Condition
	for name, raw := range fields {
		f, ok := e.Field(name)
		if !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("unknown where field %s", name)}
		}
		ops, _ := raw.(map[string]interface{})
		for opName, value := range ops {
			op, ok := ParseOp(opName)
			if !ok {
				return nil, &ValidationError{Message: fmt.Sprintf("unknown where operator %s", opName)}
			}
			if op == OpIn || op == OpNin {
				values, _ := value.([]interface{})
				list := make([]interface{}, 0, len(values))
				for _, v := range values {
					coerced, err := f.Coerce(v)
					if err != nil {
						return nil, err
					}
					list = append(list, coerced)
				}
				where = append(where, Condition{Field: f.Name, Op: op, Value: list})
				continue
			}
			coerced, err := f.Coerce(value)
			if err != nil {
				return nil, err
			}
			where = append(where, Condition{Field: f.Name, Op: op, Value: coerced})
		}
	}
	return where, nil
}

func recordsToMaps(records []Record) []interface{} {
	out := make([]interface{}, len(records))
	for i, r := range records {
		out[i] = map[string]interface{}(r)
	}
	return out
}

// graphQLRequest is the body of a POST /graphql request.
type graphQLRequest struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operationName"`
}

// graphQLHandler executes queries sent as GET parameters or a JSON body.
func graphQLHandler(schema graphql.Schema) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		switch r.Method {
		case http.MethodGet:
			values := r.URL.Query()
			req.Query = values.Get("query")
			req.OperationName = values.Get("operationName")
			if raw := values.Get("variables"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
					WriteError(w, http.StatusBadRequest, "variables must be a JSON object")
					return
				}
			}
		default:
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				WriteError(w, http.StatusBadRequest, fmt.Sprintf("body must be a JSON object: %v", err))
				return
			}
		}
		if strings.TrimSpace(req.Query) == "" {
			WriteError(w, http.StatusBadRequest, "Must provide query string.")
			return
		}

		result := graphql.Do(graphql.Params{
			Schema:         schema,
			RequestString:  req.Query,
			VariableValues: req.Variables,
			OperationName:  req.OperationName,
			Context:        r.Context(),
		})
		WriteJSONSafe(w, http.StatusOK, result)
	}
}
