//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// SwaggerInfo is the minimal OpenAPI document served at /swagger/doc.json.
// Regenerate the full document with `swag init -g cmd/batchd/docs.go`.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "batchd API",
	Description:      "Continuous-batching inference request API.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

const docTemplate = `{
  "swagger": "2.0",
  "info": {"title": "{{.Title}}", "description": "{{escape .Description}}", "version": "{{.Version}}"},
  "basePath": "{{.BasePath}}",
  "schemes": {{ marshal .Schemes }},
  "paths": {
    "/v1/generate": {"post": {"tags": ["generate"], "summary": "Generate text", "produces": ["application/x-ndjson"]}},
    "/v1/encode": {"post": {"tags": ["encode"], "summary": "Embed input", "produces": ["application/json"]}},
    "/v1/abort/{id}": {"post": {"tags": ["generate"], "summary": "Abort request",
      "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}]}},
    "/v1/adapters": {"get": {"tags": ["adapters"], "summary": "List adapters"}},
    "/status": {"get": {"tags": ["status"], "summary": "Engine status"}}
  }
}`

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

// MountSwagger serves the Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
