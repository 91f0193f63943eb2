// Package config loads and validates the readsync YAML configuration.
//
// Configuration values may reference environment variables with ${VAR_NAME}
// syntax; durations are written as Go duration strings ("30s", "12h").
// A minimal configuration looks like:
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	database:
//	  path: "/var/lib/readsync/readsync.db"
//	auth:
//	  jwt_secret: "${READSYNC_JWT_SECRET}"
package config
