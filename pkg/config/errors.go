package config

import "errors"

var (
	// ErrConfigInvalid wraps every validation failure returned by LoadConfig
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrConfigNotFound indicates the configuration file does not exist
	ErrConfigNotFound = errors.New("configuration file not found")
)
