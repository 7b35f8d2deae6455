package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
)

func nullableString(max int) map[string]any {
	return map[string]any{"type": []any{"string", "null"}, "maxLength": max}
}

// fieldsSchema is the shape of the extracted fields of a bid.
var fieldsSchema = map[string]any{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type":    "object",
	"properties": map[string]any{
		"buyer":            nullableString(1024),
		"item_description": nullableString(1 << 16),
		"total_quantity":   nullableString(256),
		"unit":             nullableString(128),
		"emd_amount":       nullableString(256),
		"epbg_required":    map[string]any{"type": "boolean"},
		"technical_specs":  map[string]any{"type": []any{"object", "null"}},
	},
}

var compiledFieldsSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	b, err := json.Marshal(fieldsSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("fields.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("fields.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

func validateDocument(v any) error {
	schema, err := compiledFieldsSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return common.NewAppError("INVALID_FIELDS", "fields do not match schema", fmt.Errorf("%w: %v", common.ErrValidation, err))
	}
	return nil
}

// ValidateFields checks extracted fields before they are committed.
func ValidateFields(f entity.Fields) error {
	doc := map[string]any{"epbg_required": f.EPBGRequired}
	put := func(key string, v *string) {
		if v != nil {
			doc[key] = *v
		}
	}
	put("buyer", f.Buyer)
	put("item_description", f.ItemDescription)
	put("total_quantity", f.TotalQuantity)
	put("unit", f.Unit)
	put("emd_amount", f.EMDAmount)
	if f.TechnicalSpecs != nil {
		doc["technical_specs"] = f.TechnicalSpecs.AsMap()
	}
	return validateDocument(doc)
}

type wireFields struct {
	Buyer           *string         `json:"buyer"`
	ItemDescription *string         `json:"item_description"`
	TotalQuantity   *string         `json:"total_quantity"`
	Unit            *string         `json:"unit"`
	EMDAmount       *string         `json:"emd_amount"`
	EPBGRequired    bool            `json:"epbg_required"`
	TechnicalSpecs  json.RawMessage `json:"technical_specs"`
}

// DecodeFields validates the engine's fields document and decodes it.
func DecodeFields(data []byte) (entity.Fields, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return entity.Fields{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	if err := validateDocument(v); err != nil {
		return entity.Fields{}, err
	}
	var w wireFields
	if err := json.Unmarshal(data, &w); err != nil {
		return entity.Fields{}, fmt.Errorf("decode fields: %w", err)
	}
	f := entity.Fields{
		Buyer:           w.Buyer,
		ItemDescription: w.ItemDescription,
		TotalQuantity:   w.TotalQuantity,
		Unit:            w.Unit,
		EMDAmount:       w.EMDAmount,
		EPBGRequired:    w.EPBGRequired,
	}
	if len(w.TechnicalSpecs) > 0 && string(w.TechnicalSpecs) != "null" {
		st := &structpb.Struct{}
		if err := protojson.Unmarshal(w.TechnicalSpecs, st); err != nil {
			return entity.Fields{}, fmt.Errorf("decode technical_specs: %w", err)
		}
		f.TechnicalSpecs = st
	}
	return f, nil
}
