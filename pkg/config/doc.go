/*
Package config defines the RuntimeConfig that drives runtime composition.

Configuration is resolved in three layers, later layers winning:

 1. Default(), a fully local runtime with resilience enabled
 2. an optional YAML file passed to Load
 3. LIGHTNING_* environment variables

Provider choices (storage_provider, event_bus_provider,
serverless_provider, container_runtime) are names resolved by the
runtime factory; the config package itself knows nothing about concrete
providers.
*/
package config
