package api

import (
	"fmt"
	"net/http"

	"github.com/mattjoyce/ductile-worker/internal/task"
)

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one path per domain
// operation.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, d := range task.Domains {
		for path, item := range buildDomainPaths(d) {
			paths[path] = item
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Ductile Worker",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// buildDomainPaths builds OpenAPI path items for a single domain.
func buildDomainPaths(d task.Domain) map[string]any {
	paths := map[string]any{}

	for _, op := range task.Operations(d) {
		operation := map[string]any{
			"operationId": fmt.Sprintf("%s__%s", d, op),
			"summary":     fmt.Sprintf("%s: %s", d, op),
			"tags":        []string{string(d)},
			"parameters": []any{map[string]any{
				"name":        "timeout",
				"in":          "query",
				"description": "Maximum wait for synchronous requests, e.g. 30s",
				"schema":      map[string]any{"type": "string"},
			}},
			"responses": map[string]any{
				"200": map[string]any{"description": "Task finished"},
				"202": map[string]any{"description": "Task queued or still running"},
				"400": map[string]any{"description": "Bad request"},
				"403": map[string]any{"description": "Insufficient scope"},
				"503": map[string]any{"description": "Too many concurrent synchronous requests"},
			},
			"security": []any{map[string]any{"BearerAuth": []string{}}},
			"requestBody": map[string]any{
				"required": false,
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": map[string]any{"type": "object"},
					},
				},
			},
		}

		paths[fmt.Sprintf("/tasks/%s/%s", d, op)] = map[string]any{
			"post": operation,
		}
	}

	return paths
}
