package api

import (
	"net/http"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// ExtractionSchema describes the ExtractionResult document returned by
// extract and posted to the result webhook.
func ExtractionSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		// Amount is stored as cents but travels as a decimal number
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(models.Amount(0)) {
				return &jsonschema.Schema{Type: "number", Description: "amount in the platform currency, two decimals"}
			}
			return nil
		},
	}
	schema := r.Reflect(&models.ExtractionResult{})
	schema.ID = "https://github.com/shehryarbajwa/portalrelay/extraction-result.schema.json"
	schema.Title = "Extraction result"
	schema.Description = "Driver earnings read from a partner portal"
	return schema
}

// GetExtractionSchema handles GET /v1/schema/extraction
func (h *Handler) GetExtractionSchema(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.schema)
}
