// Package config provides configuration parsing for hive.
//
// The configuration is stored in hive.json (or hive.yaml) at the site root.
// Relative paths are resolved against the directory holding the file.
//
// # Configuration File Structure
//
//	{
//	  "server": {
//	    "port": 8080,
//	    "workers": 4,
//	    "shutdownGrace": "10s",
//	    "ipcCodec": "json"
//	  },
//	  "extensions": {
//	    "pluginsDir": "plugins",
//	    "themesDir": "themes",
//	    "entrypoint": "extension.yaml"
//	  },
//	  "jobs": {
//	    "store": "postgres",
//	    "dsn": "postgres://localhost/hive",
//	    "retentionDays": 30,
//	    "archive": {"bucket": "hive-jobs", "region": "us-east-1"}
//	  },
//	  "log": {"level": "info", "format": "json"}
//	}
//
// HIVE_PORT, HIVE_WORKERS and HIVE_DSN override the file.
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Workers:", cfg.WorkerCount())
package config
