package config

import "embed"

const serviceSchemaFile = "schema/mpk.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
