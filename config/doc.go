// Package config provides layered configuration for the wired client.
//
// Configuration is built in four steps: built-in defaults, each file layer
// in order, WIRED_* environment overrides, then validation. Files may be
// YAML or JSON; keys a layer omits keep the value of the layer below.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/wired/base.yaml")
//	loader.AddLayer("/etc/wired/local.yaml") // Overrides base
//
//	cfg, err := loader.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Duration fields accept Go durations ("30s", "1h") and a day form ("7d",
// "1d12h"):
//
//	store:
//	  event_ttl: 7d
//	  addressable_ttl: 30d
//	  eviction_schedule: "*/30 * * * *"
//
// # Environment Overrides
//
//	WIRED_DATA_DIR          durable store directory
//	WIRED_BOOTSTRAP_RELAYS  comma separated seed relays
//	WIRED_RELAYS            comma separated read+write relays
//	WIRED_VERIFY_TIMEOUT    signature check timeout
//	WIRED_EVENT_TTL         regular event retention
//	WIRED_SINK_ENABLED      mirror accepted events to JetStream
//	WIRED_SINK_URL          NATS server url
//	WIRED_SINK_TOKEN        NATS token (WIRED_SINK_USER and _PASSWORD for user auth)
//	WIRED_METRICS_PORT      metrics listener port
//	WIRED_LOG_LEVEL         debug, info, warn or error
//	WIRED_LOG_FORMAT        json or text
//
// # Thread Safety
//
// Config values are plain structs. SafeConfig wraps one behind an RWMutex
// and hands out clones, so readers never observe a partial update.
package config
