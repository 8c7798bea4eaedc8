// Package config holds the two binaries' configuration structs: decoded
// from an optional YAML file, then overridden by cobra flags, then
// validated before anything dials a cluster.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/mongosync/pkg/mongoutil"
)

// FollowerConfig configures the Log Follower binary. One process serves
// exactly one source cluster's oplog store.
type FollowerConfig struct {
	SrcURI          string `yaml:"src_uri"`
	OplogStorageURI string `yaml:"oplog_storage_uri"`
	RetentionDays   int    `yaml:"retention_days"`
	LogPath         string `yaml:"log_path"`
	LogJSON         bool   `yaml:"log_json"`
	BindAddr        string `yaml:"bind_addr"`
	DataDir         string `yaml:"data_dir"`
	MaxRetries      int    `yaml:"max_retries"`
}

// Validate rejects a config missing what the Log Follower needs to dial
// both clusters before it does any network I/O.
func (c *FollowerConfig) Validate() error {
	if c.SrcURI == "" {
		return fmt.Errorf("src_uri is required")
	}
	if c.OplogStorageURI == "" {
		return fmt.Errorf("oplog_storage_uri is required")
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 3
	}
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:9090"
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	return nil
}

// ReplicatorConfig configures the Database Replicator binary.
type ReplicatorConfig struct {
	SrcURI               string   `yaml:"src_uri"`
	TargetURI            string   `yaml:"target_uri"`
	OplogStorageURI      string   `yaml:"oplog_storage_uri"`
	DB                   string   `yaml:"db"`
	Colls                []string `yaml:"colls"`
	ExcludeColls         []string `yaml:"exclude_colls"`
	CollectionConcurrent int      `yaml:"collection_concurrent"`
	DocConcurrent        int      `yaml:"doc_concurrent"`
	LogPath              string   `yaml:"log_path"`
	LogJSON              bool     `yaml:"log_json"`
	BindAddr             string   `yaml:"bind_addr"`
	DataDir              string   `yaml:"data_dir"`
	MaxRetries           int      `yaml:"max_retries"`
}

// Validate rejects a config missing required fields and an ambiguous
// Colls/ExcludeColls combination, and fills in pool-size defaults.
func (c *ReplicatorConfig) Validate() error {
	if c.SrcURI == "" {
		return fmt.Errorf("src_uri is required")
	}
	if c.TargetURI == "" {
		return fmt.Errorf("target_uri is required")
	}
	if c.OplogStorageURI == "" {
		return fmt.Errorf("oplog_storage_uri is required")
	}
	if c.DB == "" {
		return fmt.Errorf("db is required")
	}
	if len(c.Colls) > 0 && len(c.ExcludeColls) > 0 {
		return fmt.Errorf("colls and exclude_colls are mutually exclusive, specify at most one")
	}
	if c.CollectionConcurrent <= 0 {
		c.CollectionConcurrent = mongoutil.DefaultCollectionConcurrency(runtime.NumCPU())
	}
	if c.DocConcurrent <= 0 {
		c.DocConcurrent = mongoutil.DefaultDocConcurrency(runtime.NumCPU())
	}
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:9091"
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	return nil
}

// Resolve applies ExcludeColls against the full collection listing
// returned by the source database, producing the concrete Colls set the
// Replicator Orchestrator operates on. If neither Colls nor ExcludeColls
// was set, it returns nil (the orchestrator then syncs everything).
func (c *ReplicatorConfig) Resolve(all []string) []string {
	if len(c.Colls) > 0 {
		return c.Colls
	}
	if len(c.ExcludeColls) == 0 {
		return nil
	}
	excluded := make(map[string]struct{}, len(c.ExcludeColls))
	for _, name := range c.ExcludeColls {
		excluded[name] = struct{}{}
	}
	out := make([]string, 0, len(all))
	for _, name := range all {
		if _, skip := excluded[name]; !skip {
			out = append(out, name)
		}
	}
	return out
}

// LoadFromFile decodes a YAML config file into v. A missing path is not an
// error: callers rely entirely on flags in that case.
func LoadFromFile(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}
