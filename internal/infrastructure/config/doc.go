// Package config handles loading and validating driver host configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - An optional .env file beside the config file
//   - Overriding with environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//     or the .env file, never committed in the YAML
//   - The config file should have restricted permissions (0600)
//
// The drivers section seeds the roster on first start. Once drivers have
// been persisted, the database roster is what gets loaded.
//
// Usage:
//
//	cfg, err := config.Load("configs/driverhost.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Host.PollInterval)
package config
