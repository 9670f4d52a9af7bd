package anchor

import (
	"context"
	"fmt"
)

type WitnessType string

const (
	WitnessFile  WitnessType = "file"
	WitnessS3    WitnessType = "s3"
	WitnessGCS   WitnessType = "gcs"
	WitnessRedis WitnessType = "redis"
)

// Config selects and configures a witness. Only the fields of the chosen
// type are read.
type Config struct {
	Type          WitnessType `yaml:"type" json:"type"`
	Dir           string      `yaml:"dir,omitempty" json:"dir,omitempty"`
	Bucket        string      `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region        string      `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint      string      `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix        string      `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	RedisAddr     string      `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string      `yaml:"redis_password,omitempty" json:"-"`
	RedisDB       int         `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
}

// NewWitness builds the configured witness. An empty type means a file
// witness under ./checkpoints.
func NewWitness(ctx context.Context, cfg Config) (Witness, error) {
	switch cfg.Type {
	case "", WitnessFile:
		dir := cfg.Dir
		if dir == "" {
			dir = "checkpoints"
		}
		return NewFileWitness(dir)
	case WitnessS3:
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Witness(ctx, S3WitnessConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case WitnessGCS:
		return newGCSWitness(ctx, cfg)
	case WitnessRedis:
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		return NewRedisWitness(RedisWitnessConfig{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		}), nil
	default:
		return nil, fmt.Errorf("anchor: unsupported witness type %q", cfg.Type)
	}
}
