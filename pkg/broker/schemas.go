package broker

// Parameter schemas for the callback dispatch table, one per
// namespace.method. Compiled once at construction; a callback whose params
// fail its schema is refused before the handler runs.

const schemaQuery = `{
	"type": "object",
	"required": ["sql"],
	"additionalProperties": false,
	"properties": {
		"sql":    {"type": "string", "minLength": 1, "maxLength": 8192},
		"params": {"type": "array", "maxItems": 64}
	}
}`

const schemaSelect = `{
	"type": "object",
	"required": ["table"],
	"additionalProperties": false,
	"properties": {
		"table":    {"type": "string", "minLength": 1, "maxLength": 128},
		"columns":  {"type": "array", "items": {"type": "string"}, "maxItems": 64},
		"where":    {"type": "string", "maxLength": 4096},
		"params":   {"type": "array", "maxItems": 64},
		"order_by": {"type": "string", "maxLength": 128},
		"limit":    {"type": "integer", "minimum": 1, "maximum": 1000}
	}
}`

const schemaInsert = `{
	"type": "object",
	"required": ["table", "values"],
	"additionalProperties": false,
	"properties": {
		"table":  {"type": "string", "minLength": 1, "maxLength": 128},
		"values": {"type": "object", "minProperties": 1, "maxProperties": 64}
	}
}`

const schemaUpdate = `{
	"type": "object",
	"required": ["table", "values", "where"],
	"additionalProperties": false,
	"properties": {
		"table":  {"type": "string", "minLength": 1, "maxLength": 128},
		"values": {"type": "object", "minProperties": 1, "maxProperties": 64},
		"where":  {"type": "string", "minLength": 1, "maxLength": 4096},
		"params": {"type": "array", "maxItems": 64}
	}
}`

const schemaDelete = `{
	"type": "object",
	"required": ["table", "where"],
	"additionalProperties": false,
	"properties": {
		"table":  {"type": "string", "minLength": 1, "maxLength": 128},
		"where":  {"type": "string", "minLength": 1, "maxLength": 4096},
		"params": {"type": "array", "maxItems": 64}
	}
}`

const schemaHTTPBare = `{
	"type": "object",
	"required": ["url"],
	"additionalProperties": false,
	"properties": {
		"url":     {"type": "string", "minLength": 1, "maxLength": 4096},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}, "maxProperties": 32}
	}
}`

const schemaHTTPBody = `{
	"type": "object",
	"required": ["url"],
	"additionalProperties": false,
	"properties": {
		"url":     {"type": "string", "minLength": 1, "maxLength": 4096},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}, "maxProperties": 32},
		"body":    {"type": "string", "maxLength": 1048576}
	}
}`

const schemaEvent = `{
	"type": "object",
	"required": ["name"],
	"additionalProperties": false,
	"properties": {
		"name":    {"type": "string", "minLength": 1, "maxLength": 256, "pattern": "^[a-zA-Z0-9_.-]+$"},
		"payload": {}
	}
}`

const schemaLog = `{
	"type": "object",
	"required": ["message"],
	"additionalProperties": false,
	"properties": {
		"message": {"type": "string"}
	}
}`

const schemaEmpty = `{
	"type": "object",
	"additionalProperties": false
}`

const schemaHash = `{
	"type": "object",
	"required": ["value"],
	"additionalProperties": false,
	"properties": {
		"value":     {"type": "string"},
		"algorithm": {"type": "string", "enum": ["sha256", "sha512"]}
	}
}`

const schemaValue = `{
	"type": "object",
	"required": ["value"],
	"additionalProperties": false,
	"properties": {
		"value": {"type": "string"}
	}
}`

const schemaAnyValue = `{
	"type": "object",
	"required": ["value"],
	"additionalProperties": false,
	"properties": {
		"value": {}
	}
}`
