// Package schema implements the Schema Wrapper (spec §4.2): the pure
// transform that rewrites a provider's arbitrary JSON-schema parameters
// into a fixed "compressed" outer shape exposed to AI clients, plus the
// synthetic inner schema and human-readable readme text used to gate and
// document execution.
//
// Grounded on original_source/remote.py's compress_tool_definition and its
// readme template, validated at registration time with
// santhosh-tekuri/jsonschema/v6.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Wrapped is the result of Wrap (spec §4.2 contract).
type Wrapped struct {
	WrappedSchema   []byte // exposed to AI clients, canonical shape (spec §6.2)
	SyntheticSchema []byte // injected operation/tool_unlock_token fields
	ReadmeText      string
	AIDescription   string
}

// instructionText is embedded verbatim in the wrapped schema's input
// property description (spec §4.2 wrapped-schema rule).
const instructionText = `All tool parameters are passed in this single dict. Use {"input":{"operation":"readme"}} to get full documentation, parameters, and an unlock token.`

// wrappedSchemaDoc is the canonical outer shape (spec §6.2). It never
// varies between tools, satisfying the round-trip law
// wrap(unwrap_view(wrap(s))) == wrap(s).
var wrappedSchemaDoc = map[string]any{
	"type":     "object",
	"required": []string{},
	"properties": map[string]any{
		"input": map[string]any{
			"type":        "object",
			"description": instructionText,
		},
	},
}

// rawSchema is the minimal shape Wrap needs to read from a provider's
// original_schema: properties and required, both optional.
type rawSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                   `json:"required"`
}

type propertySchema struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ValidateOriginalSchema compiles originalSchema as a JSON Schema document,
// rejecting malformed provider schemas at registration time rather than
// failing later on first call.
func ValidateOriginalSchema(originalSchema []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("original_schema.json", bytes.NewReader(originalSchema)); err != nil {
		return fmt.Errorf("invalid parameters schema: %w", err)
	}
	if _, err := compiler.Compile("original_schema.json"); err != nil {
		return fmt.Errorf("invalid parameters schema: %w", err)
	}
	return nil
}

// Wrap transforms a provider's registration into the wrapped schema,
// synthetic schema, readme text, and AI-visible description (spec §4.2).
func Wrap(toolName, originalDescription, providerReadme string, originalSchema []byte, unlockToken string) (Wrapped, error) {
	var raw rawSchema
	if len(originalSchema) > 0 {
		if err := json.Unmarshal(originalSchema, &raw); err != nil {
			return Wrapped{}, fmt.Errorf("parsing original schema: %w", err)
		}
	}

	wrappedBytes, err := json.Marshal(wrappedSchemaDoc)
	if err != nil {
		return Wrapped{}, err
	}

	syntheticDoc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"readme", "execute"},
				"description": "Operation to perform",
			},
			"tool_unlock_token": map[string]any{
				"type":        "string",
				"description": fmt.Sprintf("Security token, %s, obtained from readme operation", unlockToken),
			},
		},
		"required": []string{"operation", "tool_unlock_token"},
	}
	syntheticBytes, err := json.Marshal(syntheticDoc)
	if err != nil {
		return Wrapped{}, err
	}

	aiDescription := strings.TrimSpace(providerReadme)
	if aiDescription == "" {
		aiDescription = fmt.Sprintf("Use this tool when you need to access %s functionality", toolName)
	}

	readme := buildReadme(toolName, originalDescription, unlockToken, raw)

	return Wrapped{
		WrappedSchema:   wrappedBytes,
		SyntheticSchema: syntheticBytes,
		ReadmeText:      readme,
		AIDescription:   aiDescription,
	}, nil
}

// buildReadme composes the human-readable documentation block (spec
// §4.2 readme-text rules), following original_source/remote.py's
// compress_tool_definition readme template verbatim in structure.
func buildReadme(toolName, originalDescription, unlockToken string, raw rawSchema) string {
	var b strings.Builder
	b.WriteString("## Available Operations\n\n")
	b.WriteString("## Usage-Safety Token System\n")
	b.WriteString("This tool uses an hmac-based token system to ensure callers fully understand all details of\n")
	b.WriteString("using this tool, on every call. The token is specific to this installation and code version.\n\n")
	fmt.Fprintf(&b, "Your tool_unlock_token for this installation is: %s\n\n", unlockToken)
	b.WriteString("You MUST include tool_unlock_token in the input dict for all operations except readme.\n\n")
	b.WriteString("## Input Structure\n")
	b.WriteString("All parameters are passed in a single 'input' dict:\n\n")
	b.WriteString("1. For this documentation:\n")
	b.WriteString("   {\n     \"input\": {\"operation\": \"readme\"}\n   }\n\n")
	b.WriteString("2. For executing the tool:\n")
	b.WriteString("   {\n     \"input\": {\n       \"operation\": \"execute\", \n")
	fmt.Fprintf(&b, "       \"tool_unlock_token\": \"%s\",\n", unlockToken)
	b.WriteString("       ... original tool parameters ...\n     }\n   }\n\n")
	b.WriteString("## Original Tool Documentation\n")
	fmt.Fprintf(&b, "%s\n\n", originalDescription)
	b.WriteString("## Execute Operation Parameters\n")
	b.WriteString("When using operation=\"execute\", include the original tool parameters:\n\n")
	b.WriteString("{\n  \"input\": {\n    \"operation\": \"execute\",\n")
	fmt.Fprintf(&b, "    \"tool_unlock_token\": \"%s\",\n", unlockToken)
	b.WriteString(paramSection(raw))
	b.WriteString("\n  }\n}\n")
	return b.String()
}

// paramSection renders the mechanically-generated parameter examples (spec
// §4.2): one line per property, typed example value, trailing REQUIRED
// marker for properties named in raw.Required.
func paramSection(raw rawSchema) string {
	if len(raw.Properties) == 0 {
		return "       // No additional parameters"
	}
	required := make(map[string]bool, len(raw.Required))
	for _, name := range raw.Required {
		required[name] = true
	}
	names := make([]string, 0, len(raw.Properties))
	for name := range raw.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		var prop propertySchema
		_ = json.Unmarshal(raw.Properties[name], &prop)
		marker := ""
		if required[name] {
			marker = " // REQUIRED"
		}
		lines = append(lines, fmt.Sprintf("       \"%s\": %s%s  // %s", name, exampleValue(prop.Type, name), marker, prop.Description))
	}
	return strings.Join(lines, ",\n")
}

// exampleValue produces the per-type example literal (spec §4.2).
func exampleValue(propType, propName string) string {
	switch propType {
	case "number", "integer":
		return "123"
	case "boolean":
		return "true"
	case "array":
		return `["item1", "item2"]`
	case "object":
		return "{}"
	default:
		return fmt.Sprintf(`"example_%s"`, propName)
	}
}
