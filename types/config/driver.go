package config

import (
	"fmt"
	"strings"
)

type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	// Memory keeps everything in process; only useful for a single process.
	Memory
)

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case Memory:
		return "memory"
	}
	return "unknown"
}

func ParseStorageDriver(s string) (StorageDriver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "memory":
		return Memory, nil
	}
	return 0, fmt.Errorf("unknown storage driver %q", s)
}
