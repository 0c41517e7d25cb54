package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// GenerateSpec builds the OpenAPI 3.1 document for the relay's HTTP surface.
// The surface is fixed, so the document is assembled programmatically rather
// than introspected.
func GenerateSpec(baseURL, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Sieve Relay API",
			Description: "Minimal capture relay: authenticated submission, pending retrieval, and idempotent acknowledgment.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-API-Key",
		},
	}
	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:   "http",
			Scheme: "bearer",
		},
	}
	doc.Security = openapi3.SecurityRequirements{
		{"apiKey": {}},
		{"bearerAuth": {}},
	}

	doc.Components.Schemas["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
						},
					},
				},
			},
		},
	}

	doc.Components.Schemas["Capture"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"id":          {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"content":     {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"url":         {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"source_url":  {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"annotation":  {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"status":      {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: []interface{}{"pending", "acked"}}},
				"received_at": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"}},
				"acked_at":    {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"}},
			},
		},
	}

	doc.Components.Schemas["CaptureRequest"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"object"},
			Description: "At least one of content or url must be non-empty.",
			Properties: openapi3.Schemas{
				"content":    {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"url":        {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"source_url": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"annotation": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, MaxLength: uint64Ptr(500)}},
			},
		},
	}

	doc.Components.Schemas["APIKey"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"object"},
			Description: "Key metadata. The raw key and its hash are never returned after creation.",
			Properties: openapi3.Schemas{
				"id":         {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"key_prefix": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"name":       {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"scope":      {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: []interface{}{"standard", "admin"}}},
				"created_at": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"}},
				"revoked_at": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"}},
			},
		},
	}

	doc.Paths = openapi3.NewPaths()

	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "health",
			Summary:     "Liveness probe",
			Security:    &openapi3.SecurityRequirements{},
			Responses:   okResponse("Process is running"),
		},
	})

	doc.Paths.Set("/api/v1/captures", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "submitCapture",
			Summary:     "Submit a capture",
			Description: "Fire-and-forget submission. The response carries the new id; the caller is never told when or whether downstream processing happened.",
			RequestBody: &openapi3.RequestBodyRef{
				Value: &openapi3.RequestBody{
					Required: true,
					Content:  openapi3.NewContentWithJSONSchemaRef(schemaRef("CaptureRequest")),
				},
			},
			Responses: responsesWith(map[string]string{
				"202": "Capture accepted and queued",
				"400": "Empty or invalid payload",
				"413": "Payload too large",
				"503": "Capture queue is full",
			}),
		},
	})

	doc.Paths.Set("/api/v1/captures/pending", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listPendingCaptures",
			Summary:     "List pending captures, oldest first",
			Parameters: openapi3.Parameters{
				{Value: &openapi3.Parameter{
					Name: "limit", In: "query",
					Schema: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
				}},
			},
			Responses: responsesWith(map[string]string{
				"200": "Pending captures (possibly empty)",
			}),
		},
	})

	doc.Paths.Set("/api/v1/captures/{captureID}/ack", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "ackCapture",
			Summary:     "Acknowledge a capture",
			Description: "Idempotent under retry: an unknown id and an already-acked capture both return 404, and in both cases the caller should not reprocess.",
			Parameters: openapi3.Parameters{
				{Value: &openapi3.Parameter{
					Name: "captureID", In: "path", Required: true,
					Schema: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				}},
			},
			Responses: responsesWith(map[string]string{
				"200": "Capture transitioned to acked",
				"404": "Capture unknown or already acknowledged",
			}),
		},
	})

	doc.Paths.Set("/api/v1/system/key", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listKeys",
			Summary:     "List API keys (admin)",
			Responses: responsesWith(map[string]string{
				"200": "Key metadata, never raw keys or hashes",
				"403": "Admin key required",
			}),
		},
		Post: &openapi3.Operation{
			OperationID: "createKey",
			Summary:     "Create an API key (admin)",
			Description: "The raw key appears in this response and nowhere else, ever.",
			Responses: responsesWith(map[string]string{
				"201": "Key created; save the raw key now",
				"400": "Missing name or unknown scope",
				"403": "Admin key required",
			}),
		},
	})

	doc.Paths.Set("/api/v1/system/key/{keyID}", &openapi3.PathItem{
		Delete: &openapi3.Operation{
			OperationID: "revokeKey",
			Summary:     "Revoke an API key (admin)",
			Parameters: openapi3.Parameters{
				{Value: &openapi3.Parameter{
					Name: "keyID", In: "path", Required: true,
					Schema: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				}},
			},
			Responses: responsesWith(map[string]string{
				"200": "Key revoked (idempotent)",
				"404": "Key not found",
				"403": "Admin key required",
			}),
		},
	})

	return doc
}

func schemaRef(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Ref: "#/components/schemas/" + name}
}

func okResponse(description string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	desc := description
	responses.Set("200", &openapi3.ResponseRef{
		Value: &openapi3.Response{Description: &desc},
	})
	return responses
}

func responsesWith(codes map[string]string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	for code, description := range codes {
		desc := description
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{Description: &desc},
		})
	}
	return responses
}

func uint64Ptr(v uint64) *uint64 {
	return &v
}
