// Package config loads master and minion settings from YAML files layered
// over built-in defaults. Command line flags override the loaded values.
package config
