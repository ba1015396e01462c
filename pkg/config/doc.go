// Package config loads typed configuration structs from environment
// variables using github.com/caarlos0/env field tags, with optional .env
// file support for local development.
//
// Every component of the billing service declares its own Config struct and
// loads it through config.Load or config.MustLoad; parsed values are cached
// per type for the lifetime of the process.
package config
