// Package config loads server configuration from defaults, an optional
// YAML file and JOBMON_-prefixed environment variables, plus scheduler
// queue definitions from YAML.
package config
