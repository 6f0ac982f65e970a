// Package config handles configuration loading for session-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The file extension selects the decoder (.toml for TOML,
// anything else for YAML). Missing fields fall back to Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	presence:
//	  redis:
//	    password: "${REDIS_PASSWORD}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:5000"    # HTTP API, /ws and /events
//	  grpc_addr: "0.0.0.0:50051"   # gRPC health service (optional)
//
//	database:
//	  driver: "sqlite"             # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/session-gateway/gateway.db"
//
//	presence:
//	  backend: "sqlite"            # sqlite, redis, memory
//	  redis:
//	    addr: "127.0.0.1:6379"
//	    key_prefix: "presence:"
//
//	sessions:
//	  auth_enabled: true           # broadcast qr events
//	  single_shot: true            # drop sessions on disconnect
//	  recipient_suffix: ""         # default "@c.us" for fake, must stay empty for matrix
//	  message_dedupe_ttl: "5m"
//
//	engine:
//	  kind: "matrix"               # matrix or fake
//	  matrix:
//	    homeserver: "https://matrix.example.org"
//	    callback_url: "https://gateway.example.org"
//	    markdown: true
//
//	events:
//	  subscriber_buffer: 64
//	  qr_terminal: true
//
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "text"               # text, json
package config
