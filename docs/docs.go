// Package docs registers the OpenAPI description served under /swagger.
// It follows the layout swag init generates and is kept in step with the
// annotations in internal/transport/http by hand.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/jobs": {
            "post": {
                "description": "Creates the job (pending), routes it to the fast or heavy lane and hands it off.\nRe-submitting the same job_id and created_at returns the stored job.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Submit an OCR job",
                "parameters": [
                    {
                        "description": "job to process",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/service.SubmitRequest"}
                    }
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/entity.Job"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "description": "Returns the newest record with this job id.",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job by id",
                "parameters": [
                    {"type": "string", "description": "job id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/entity.Job"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}/result": {
            "get": {
                "produces": ["text/plain"],
                "tags": ["jobs"],
                "summary": "Get corrected text of a completed job",
                "parameters": [
                    {"type": "string", "description": "job id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "string"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/documents/{groupID}": {
            "get": {
                "description": "Document row, status derived from its pages, and the page records.",
                "produces": ["application/json"],
                "tags": ["documents"],
                "summary": "Get a multi-page document",
                "parameters": [
                    {"type": "string", "description": "group id", "name": "groupID", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/service.DocumentView"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            },
            "delete": {
                "description": "Removes every page record and the stored objects of the group.",
                "produces": ["application/json"],
                "tags": ["documents"],
                "summary": "Delete a multi-page document",
                "parameters": [
                    {"type": "string", "description": "group id", "name": "groupID", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.deleteDocumentResp"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/sweeps": {
            "post": {
                "produces": ["application/json"],
                "tags": ["recovery"],
                "summary": "Run one recovery pass now",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/service.SweepReport"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "entity.Entity": {
            "type": "object",
            "properties": {
                "score": {"type": "number"},
                "text": {"type": "string"},
                "type": {"type": "string"}
            }
        },
        "entity.KeyPhrase": {
            "type": "object",
            "properties": {
                "score": {"type": "number"},
                "text": {"type": "string"}
            }
        },
        "entity.Sentiment": {
            "type": "object",
            "properties": {
                "label": {"type": "string"},
                "scores": {"type": "object", "additionalProperties": {"type": "number"}}
            }
        },
        "entity.Job": {
            "type": "object",
            "properties": {
                "job_id": {"type": "string"},
                "created_at": {"type": "string"},
                "file_size_bytes": {"type": "integer"},
                "is_multi_page": {"type": "boolean"},
                "page_count": {"type": "integer"},
                "group_id": {"type": "string"},
                "filename": {"type": "string"},
                "document_key": {"type": "string"},
                "document_type": {"type": "string"},
                "force_route": {"type": "string", "enum": ["fast", "heavy"]},
                "status": {"type": "string", "enum": ["pending", "queued", "submitted", "processing", "completed", "failed"]},
                "processing_stage": {"type": "string"},
                "error": {"type": "string"},
                "route": {"type": "string", "enum": ["fast", "heavy"]},
                "estimated_processing_time": {"type": "integer"},
                "routing_factors": {"type": "array", "items": {"type": "string"}},
                "external_job_id": {"type": "string"},
                "batch_job_id": {"type": "string"},
                "extracted_text": {"type": "string"},
                "corrected_text": {"type": "string"},
                "confidence_score": {"type": "number"},
                "entities": {"type": "array", "items": {"$ref": "#/definitions/entity.Entity"}},
                "key_phrases": {"type": "array", "items": {"$ref": "#/definitions/entity.KeyPhrase"}},
                "sentiment": {"$ref": "#/definitions/entity.Sentiment"},
                "started_at": {"type": "string"},
                "completed_at": {"type": "string"},
                "failed_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "entity.Document": {
            "type": "object",
            "properties": {
                "group_id": {"type": "string"},
                "status": {"type": "string", "enum": ["processing", "completed", "completed_with_errors"]},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "entity.DocumentAggregate": {
            "type": "object",
            "properties": {
                "group_id": {"type": "string"},
                "pages": {"type": "integer"},
                "completed": {"type": "integer"},
                "failed": {"type": "integer"},
                "in_flight": {"type": "integer"},
                "status": {"type": "string"}
            }
        },
        "service.DocumentView": {
            "type": "object",
            "properties": {
                "document": {"$ref": "#/definitions/entity.Document"},
                "aggregate": {"$ref": "#/definitions/entity.DocumentAggregate"},
                "pages": {"type": "array", "items": {"$ref": "#/definitions/entity.Job"}}
            }
        },
        "service.SubmitRequest": {
            "type": "object",
            "properties": {
                "job_id": {"type": "string"},
                "created_at": {"type": "string"},
                "file_size_bytes": {"type": "integer"},
                "is_multi_page": {"type": "boolean"},
                "page_count": {"type": "integer"},
                "group_id": {"type": "string"},
                "filename": {"type": "string"},
                "document_key": {"type": "string"},
                "document_type": {"type": "string"},
                "force_route": {"type": "string", "enum": ["fast", "heavy"]}
            }
        },
        "service.SweepReport": {
            "type": "object",
            "properties": {
                "scanned": {"type": "integer"},
                "redispatched": {"type": "integer"},
                "auto_recovered": {"type": "integer"},
                "recognition_failed": {"type": "integer"},
                "timed_out": {"type": "integer"},
                "abandoned": {"type": "integer"},
                "conflicts": {"type": "integer"},
                "errors": {"type": "integer"}
            }
        },
        "httptransport.apiError": {
            "type": "object",
            "properties": {
                "message": {"type": "string"}
            }
        },
        "httptransport.deleteDocumentResp": {
            "type": "object",
            "properties": {
                "group_id": {"type": "string"},
                "deleted": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "OCR jobs API",
	Description:      "Submits scanned pages for recognition and tracks them until they finish.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
