package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// settingsSchema rejects unknown sections and wrong-typed fields before
// the range checks run. Ranges live in Validate, not here, so the error
// messages stay in the ValidationError shape.
const settingsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "apiKeys": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "openai": {"type": "string"},
        "piapi": {"type": "string"},
        "runware": {"type": "string"},
        "removeBg": {"type": "string"}
      }
    },
    "filePaths": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "outputDirectory": {"type": "string"},
        "tempDirectory": {"type": "string"},
        "systemPromptFile": {"type": "string"},
        "keywordsFile": {"type": "string"},
        "qualityCheckPromptFile": {"type": "string"},
        "metadataPromptFile": {"type": "string"}
      }
    },
    "parameters": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "provider": {"type": "string"},
        "processMode": {"type": "string"},
        "aspectRatios": {"type": "array", "items": {"type": "string"}},
        "openaiModel": {"type": "string"},
        "pollingTimeout": {"type": "integer"},
        "enablePollingTimeout": {"type": "boolean"},
        "keywordRandom": {"type": "boolean"},
        "keywordSeed": {"type": "integer"},
        "count": {"type": "integer"},
        "variations": {"type": "integer"}
      }
    },
    "processing": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "removeBg": {"type": "boolean"},
        "removeBgSize": {"type": "string"},
        "removeBgFailureMode": {"type": "string"},
        "imageConvert": {"type": "boolean"},
        "convertToJpg": {"type": "boolean"},
        "convertToPng": {"type": "boolean"},
        "convertToWebp": {"type": "boolean"},
        "jpgQuality": {"type": "integer"},
        "pngQuality": {"type": "integer"},
        "webpQuality": {"type": "integer"},
        "jpgBackground": {"type": "string"},
        "trimTransparentBackground": {"type": "boolean"},
        "imageEnhancement": {"type": "boolean"},
        "sharpening": {"type": "number"},
        "saturation": {"type": "number"}
      }
    },
    "ai": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "runQualityCheck": {"type": "boolean"},
        "runMetadataGen": {"type": "boolean"}
      }
    },
    "advanced": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "debugMode": {"type": "boolean"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func validateSchema(s *Settings) error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("settings.json", strings.NewReader(settingsSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("settings.json")
	})
	if schemaErr != nil {
		return schemaErr
	}

	// Round-trip through JSON so the schema sees exactly what the catalog
	// will persist.
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	return nil
}
