// Package config loads the deployment manifest that tells each process
// of a run where its groups meet and which rank it plays.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// An Endpoint locates one process within its communication group.
type Endpoint struct {
	Addr      string `json:"addr"`
	WorldSize int    `json:"world_size"`
	Rank      int    `json:"rank"`
}

// A Deployment is one run's manifest: an endpoint per role plus the
// parameters every role shares. Zero QueueCapacity or Rounds means the
// manifest leaves the choice to the participant defaults.
type Deployment struct {
	Roles         map[string]Endpoint `json:"roles"`
	QueueCapacity int                 `json:"queue_capacity"`
	Rounds        int                 `json:"rounds"`
}

// LoadDeployment parses and validates a JSON manifest.
func LoadDeployment(path string) (Deployment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Deployment{}, fmt.Errorf("reading manifest: %w", err)
	}

	var d Deployment
	if err := json.Unmarshal(raw, &d); err != nil {
		return Deployment{}, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	if err := d.validate(); err != nil {
		return Deployment{}, fmt.Errorf("manifest %s: %w", path, err)
	}

	return d, nil
}

func (d Deployment) validate() error {
	for role, ep := range d.Roles {
		if err := ep.validate(); err != nil {
			return fmt.Errorf("role %s: %w", role, err)
		}
	}

	if d.QueueCapacity < 0 {
		return fmt.Errorf("queue capacity cannot be negative, got %d",
			d.QueueCapacity)
	}

	if d.Rounds < 0 {
		return fmt.Errorf("round count cannot be negative, got %d", d.Rounds)
	}

	return nil
}

func (ep Endpoint) validate() error {
	if ep.WorldSize < 1 {
		return fmt.Errorf("world size must be at least 1, got %d",
			ep.WorldSize)
	}

	if ep.Rank < 0 || ep.Rank >= ep.WorldSize {
		return fmt.Errorf("rank %d is outside the world of %d",
			ep.Rank, ep.WorldSize)
	}

	return nil
}

// Endpoint resolves one role's endpoint. SHUKUBA_<ROLE>_ADDR,
// SHUKUBA_<ROLE>_RANK and SHUKUBA_<ROLE>_WORLD_SIZE override the manifest,
// so one manifest can serve a whole fleet of processes that differ only by
// environment. The variables are scoped to the upper-cased role name
// because one process may resolve several roles, the way a scheduler
// resolves both its parent and its child endpoint.
func (d Deployment) Endpoint(role string) (Endpoint, error) {
	ep, ok := d.Roles[role]
	if !ok {
		return Endpoint{}, fmt.Errorf("role %s is not in the manifest", role)
	}

	if addr := os.Getenv(envKey(role, "ADDR")); addr != "" {
		ep.Addr = addr
	}

	var err error
	ep.Rank, err = intFromEnv(envKey(role, "RANK"), ep.Rank)
	if err != nil {
		return Endpoint{}, err
	}

	ep.WorldSize, err = intFromEnv(envKey(role, "WORLD_SIZE"), ep.WorldSize)
	if err != nil {
		return Endpoint{}, err
	}

	if err := ep.validate(); err != nil {
		return Endpoint{}, fmt.Errorf("role %s: %w", role, err)
	}

	return ep, nil
}

// envKey names the override variable for one field of one role. The role
// is upper-cased, with anything a variable name cannot carry mapped to an
// underscore.
func envKey(role, field string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, role)

	return "SHUKUBA_" + mapped + "_" + field
}

func intFromEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	return v, nil
}

// LoadEnv pulls a .env file from the working directory into the
// environment. A missing file is not an error.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	return nil
}
