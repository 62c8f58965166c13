// Package config provides centralized configuration management for the
// TaskMesh runtime, loading JSON configuration files and filling in sane
// defaults for storage, event, ledger and escrow settings.
package config
