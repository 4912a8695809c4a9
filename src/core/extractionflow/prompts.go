package extractionflow

const (
	ExtractionSystemMessageTmpl = `
You are an information extraction engine. You read a passage of a document and return structured JSON. You never invent facts that are not in the passage.
`
	ExtractionPromptTmpl = `
Your task is to extract structured information from part of a document, delimited by XML tags <PASSAGE></PASSAGE>.

<PASSAGE>
{{.UnitText}}
</PASSAGE>

{{.Instructions}}

Return exactly one JSON object with two keys:
"summary": one short paragraph stating what this passage says.
"fields": an object with exactly the following keys, using null for anything the passage does not answer:
{{.FieldList}}

Output only the JSON object and nothing else. No markdown fences, no commentary.
`
)

// FieldSpec is one key the model must fill in.
type FieldSpec struct {
	Name        string
	Description string
}

// Profile names an extraction target and the fields it asks for.
type Profile struct {
	Name         string
	Instructions string
	Fields       []FieldSpec
}

// DefaultProfile is used when a job names no profile or an unknown one.
const DefaultProfile = "general"

var profiles = map[string]Profile{
	"general": {
		Name:         "general",
		Instructions: "Capture the concrete claims of the passage, not its rhetoric.",
		Fields: []FieldSpec{
			{Name: "topic", Description: "the single subject this passage is about"},
			{Name: "entities", Description: "array of people, organizations and products mentioned"},
			{Name: "key_facts", Description: "array of standalone factual statements from the passage"},
		},
	},
	"datasheet": {
		Name:         "datasheet",
		Instructions: "The passage comes from a technical product document. Prefer exact values with their units over prose.",
		Fields: []FieldSpec{
			{Name: "product", Description: "the product or component name"},
			{Name: "manufacturer", Description: "the manufacturer, if named"},
			{Name: "model_numbers", Description: "array of model or part numbers"},
			{Name: "specifications", Description: "object mapping each stated parameter to its value with unit"},
		},
	},
	"release_notes": {
		Name:         "release_notes",
		Instructions: "The passage comes from release notes or a changelog. Separate what changed from what merely got mentioned.",
		Fields: []FieldSpec{
			{Name: "version", Description: "the release version the passage covers"},
			{Name: "changes", Description: "array of user-visible changes"},
			{Name: "breaking_changes", Description: "array of changes that require action from users"},
		},
	},
}

// ProfileByName resolves a profile, falling back to the general one for
// unknown names so a stale payload still extracts something useful.
func ProfileByName(name string) Profile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles[DefaultProfile]
}

// ProfileNames lists the registered profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	return names
}
