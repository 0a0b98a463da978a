// Package config handles configuration loading for hive-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every setting except matrix.homeserver and an auth credential has
// a default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with --config
//  2. Path from HIVE_CONFIG environment variable
//  3. ./config.yaml (current directory)
//  4. ~/.config/hive/gateway.yaml
//
// Files ending in .toml are decoded as TOML.
//
// # Environment Variable Expansion
//
//	auth:
//	  api_key: "${HIVE_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  throttle_window: "5s"
//	  connect_timeout: "45s"
//	  base_delay: "5s"
//	  max_delay: "5m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  grpc_addr: "127.0.0.1:50051"   # gRPC health service, optional
//	  public_url: "https://hive.example.com"
//
//	sessions:
//	  dir: "./sessions"               # one directory per instance
//	  max_retries: 10
//	  backoff_factor: 1.5
//	  messages_per_minute: 60
//	  message_burst: 10
//	  restore_concurrency: 8         # instances reconnected at once on start
//
//	delivery:
//	  max_queue_size: 10000
//	  concurrency: 10
//	  max_retries: 3
//	  retry_base_delay: "1s"
//	  timeout: "10s"
//	  breaker:
//	    enabled: true
//	    failure_threshold: 5
//	    recovery_time: "30s"
//
//	cache:
//	  sweep_every: 1000
//	  verification: { ttl: "2h", max_size: 50000 }
//	  artifact: { ttl: "30s", max_size: 200 }
//
//	matrix:
//	  homeserver: "https://matrix.example.com"
//	  encryption: false
//	  pairing_timeout: "5m"
package config
