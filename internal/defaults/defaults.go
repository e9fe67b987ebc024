// Package defaults provides embedded copies of the example configuration
// and character definition for the wonderland init subcommand.
package defaults

import _ "embed"

//go:generate sh -c "cp ../../examples/config.example.yaml . && cp ../../examples/alice-config.example.json ."

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed alice-config.example.json
var CharacterJSON []byte
