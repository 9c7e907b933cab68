// Package config handles configuration loading for parley-gateway.
//
// # Configuration File
//
// The path is taken from, in order:
//
//  1. The PARLEY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parley/gateway.yaml
//  3. ~/.config/parley/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}. Unset
// variables expand to the empty string.
//
//	model:
//	  api_key: "${OPENAI_API_KEY}"
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("500ms", "60s", "2m").
//
// # Sections
//
//	server:
//	  grpc_addr: "localhost:50051"   # grpc.health.v1
//	  http_addr: "localhost:8080"    # JSON API
//
//	database:
//	  path: "~/.local/share/parley/gateway.db"
//	  driver: "sqlite"               # sqlite (pure Go) or sqlite3 (cgo)
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"   # empty disables auth
//
//	model:
//	  base_url: ""                   # OpenAI-compatible endpoint
//	  api_key: "${OPENAI_API_KEY}"
//	  identifier: "gpt-4o-mini"
//	  max_context_tokens: 0          # 0 disables the pre-flight check
//	  max_retry_attempts: 3
//	  retry_backoff: "500ms"
//	  timeout: "60s"
//
//	transcriber:
//	  enabled: true
//	  model: "whisper-1"
//	  timeout: "60s"
//
//	synthesizer:
//	  enabled: true
//	  model: "tts-1"
//	  voice_profile: "alloy"
//	  format: "mp3"
//	  timeout: "60s"
//
//	session:
//	  lease_backend: "store"         # store or redis
//	  lease_ttl: "2m"
//
//	redis:
//	  addr: "localhost:6379"
//
//	telemetry:
//	  enabled: false
//	  otlp_endpoint: "localhost:4317"
//
//	logging:
//	  level: "info"                  # debug, info, warn, error
//	  format: "text"                 # text, json
//
// Transcriber and synthesizer inherit model.base_url and model.api_key when
// they set none.
package config
