package config

import "embed"

const packsSchemaFile = "schema/packs.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
