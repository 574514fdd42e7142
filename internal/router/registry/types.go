// Package registry resolves chat command text to a CommandSpec: canonical
// name + alias resolution, a shell-like tokenizer, typed argument coercion,
// and schema validation, loaded from a YAML file that hot-reloads on mtime
// change -- generalized from the teacher's config.Config file-watch pattern
// to a command table instead of a strategy config.
package registry

// FieldType is one of the coerce kinds §4.1 names.
type FieldType string

const (
	FieldNumber  FieldType = "number"
	FieldInteger FieldType = "integer"
	FieldPercent FieldType = "percent"
	FieldEnum    FieldType = "enum"
	FieldString  FieldType = "string"
)

// ArgField describes one positional argument in a command's schema.
type ArgField struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	Many     bool      `yaml:"many"`
	MinItems int       `yaml:"min_items"`
	MaxItems int       `yaml:"max_items"`
	Min      *float64  `yaml:"min"`
	Max      *float64  `yaml:"max"`
	Values   []string  `yaml:"values"`
}

// Dispatch describes where a validated command is routed.
type Dispatch struct {
	Service string            `yaml:"service"`
	Method  string            `yaml:"method"`
	Path    string             `yaml:"path"`
	ArgsMap map[string]string `yaml:"args_map"`
}

// CommandSpec is one registry entry.
type CommandSpec struct {
	Name      string     `yaml:"name"`
	Aliases   []string   `yaml:"aliases"`
	ArgsSchema []ArgField `yaml:"args_schema"`
	Dispatch  Dispatch   `yaml:"dispatch"`
	Help      string     `yaml:"help"`
	HelpShort string     `yaml:"help_short"`
	Sticky    bool       `yaml:"sticky"`
	Confirm   bool       `yaml:"confirm"`
}

// file is the on-disk shape of a commands.yaml document.
type file struct {
	Commands []CommandSpec `yaml:"commands"`
}
