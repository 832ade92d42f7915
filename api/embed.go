// Package api carries the OpenAPI document describing the run API,
// embedded so the server can serve it from /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 document as raw YAML.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
