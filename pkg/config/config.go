// Copyright (c) OpenMMLab. All rights reserved.

// Package config resolves the worker configuration from flags, the
// scheduler-provided environment and an optional reduceall.yaml.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	KeyRank              = "rank"
	KeyWorldSize         = "world-size"
	KeyGPUsPerNode       = "gpus-per-node"
	KeyMasterAddr        = "master-addr"
	KeyMasterPort        = "master-port"
	KeyBackend           = "backend"
	KeyDeviceSource      = "device-source"
	KeyInitTimeout       = "init-timeout"
	KeyCollectiveTimeout = "collective-timeout"
	KeyTeardownTimeout   = "teardown-timeout"
	KeyVerify            = "verify"
	KeyPushGateway       = "push-gateway"
	KeyJobName           = "job-name"
)

const (
	DefaultMasterAddr = "127.0.0.1"
	DefaultMasterPort = 29500
	DefaultBackend    = "grpc"
)

var ErrMissingEnv = errors.New("required scheduler variable not set")

type Config struct {
	Rank        int
	WorldSize   int
	GPUsPerNode int

	MasterAddr string
	MasterPort int
	Backend    string

	DeviceSource      string
	InitTimeout       time.Duration
	CollectiveTimeout time.Duration
	TeardownTimeout   time.Duration
	Verify            bool

	PushGatewayURL string
	JobName        string
	Hostname       string
}

// NewViper returns a viper instance with defaults and the scheduler
// environment bindings. The first variable listed for a key wins.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyMasterAddr, DefaultMasterAddr)
	v.SetDefault(KeyMasterPort, DefaultMasterPort)
	v.SetDefault(KeyBackend, DefaultBackend)
	v.SetDefault(KeyDeviceSource, "auto")
	v.SetDefault(KeyInitTimeout, 5*time.Minute)
	v.SetDefault(KeyCollectiveTimeout, time.Minute)
	v.SetDefault(KeyTeardownTimeout, 30*time.Second)
	v.SetDefault(KeyVerify, true)
	v.SetDefault(KeyJobName, "reduceall")

	_ = v.BindEnv(KeyRank, "SLURM_PROCID", "RANK")
	_ = v.BindEnv(KeyWorldSize, "WORLD_SIZE", "SLURM_NTASKS")
	_ = v.BindEnv(KeyGPUsPerNode, "SLURM_GPUS_ON_NODE", "LOCAL_WORLD_SIZE")
	_ = v.BindEnv(KeyMasterAddr, "MASTER_ADDR")
	_ = v.BindEnv(KeyMasterPort, "MASTER_PORT")
	_ = v.BindEnv(KeyBackend, "RA_BACKEND")
	_ = v.BindEnv(KeyDeviceSource, "RA_DEVICE_SOURCE")
	_ = v.BindEnv(KeyPushGateway, "RA_PUSH_GATEWAY")

	return v
}

// ReadConfigFile loads path, or reduceall.yaml from the working directory
// when path is empty. A missing default file is not an error.
func ReadConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("reduceall")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if path == "" && errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("read config file: %w", err)
}

func Load(v *viper.Viper) (*Config, error) {
	rank, err := requiredInt(v, KeyRank, "SLURM_PROCID")
	if err != nil {
		return nil, err
	}
	worldSize, err := requiredInt(v, KeyWorldSize, "WORLD_SIZE")
	if err != nil {
		return nil, err
	}
	gpusPerNode, err := requiredInt(v, KeyGPUsPerNode, "SLURM_GPUS_ON_NODE")
	if err != nil {
		return nil, err
	}
	masterPort, err := strconv.Atoi(strings.TrimSpace(v.GetString(KeyMasterPort)))
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", KeyMasterPort, v.GetString(KeyMasterPort), err)
	}

	cfg := &Config{
		Rank:              rank,
		WorldSize:         worldSize,
		GPUsPerNode:       gpusPerNode,
		MasterAddr:        v.GetString(KeyMasterAddr),
		MasterPort:        masterPort,
		Backend:           v.GetString(KeyBackend),
		DeviceSource:      v.GetString(KeyDeviceSource),
		InitTimeout:       v.GetDuration(KeyInitTimeout),
		CollectiveTimeout: v.GetDuration(KeyCollectiveTimeout),
		TeardownTimeout:   v.GetDuration(KeyTeardownTimeout),
		Verify:            v.GetBool(KeyVerify),
		PushGatewayURL:    v.GetString(KeyPushGateway),
		JobName:           v.GetString(KeyJobName),
		Hostname:          Hostname(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.WorldSize < 1 {
		return fmt.Errorf("world size must be positive, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d out of range [0, %d)", c.Rank, c.WorldSize)
	}
	if c.GPUsPerNode < 1 {
		return fmt.Errorf("gpus per node must be positive, got %d", c.GPUsPerNode)
	}
	if c.MasterPort < 0 || c.MasterPort > 65535 {
		return fmt.Errorf("invalid master port %d", c.MasterPort)
	}
	return nil
}

// LocalRank maps the global rank onto a device index of this node.
func (c *Config) LocalRank() int {
	return c.Rank - c.GPUsPerNode*(c.Rank/c.GPUsPerNode)
}

func (c *Config) NodeRank() int {
	return c.Rank / c.GPUsPerNode
}

func (c *Config) StoreAddr() string {
	return net.JoinHostPort(c.MasterAddr, strconv.Itoa(c.MasterPort))
}

func requiredInt(v *viper.Viper, key, envName string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, fmt.Errorf("%w: %s", ErrMissingEnv, envName)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envName, raw, err)
	}
	return n, nil
}

func Hostname() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}

	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}

	if hostname := os.Getenv("HOST"); hostname != "" {
		return hostname
	}

	if data, err := os.ReadFile("/etc/hostname"); err == nil {
		return strings.TrimSpace(string(data))
	}

	return "unknown"
}
