// Package defaults holds the embedded starter files that the init
// subcommand installs into a fresh working directory.
package defaults

import "embed"

// ConfigYAML is the starter configuration file, installed as
// config.yaml when none exists.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PersonaFiles holds the starter persona documents. init copies every
// .md file under persona/ into the workspace persona directory.
//
//go:embed persona/*.md
var PersonaFiles embed.FS
