package config

import (
	"flag"
	"fmt"
)

// ParseFlags builds settings from command-line arguments. Flags override the
// config file, which overrides defaults.
func ParseFlags(args []string) (Settings, error) {
	fs := flag.NewFlagSet("blutgang", flag.ContinueOnError)

	var (
		configPath     = fs.String("config", "", "Path to a key=value config file")
		address        = fs.String("address", "", "HTTP listen address for client traffic")
		adminAddress   = fs.String("admin_address", "", "Listen address of the admin namespace")
		adminEnabled   = fs.Bool("admin", false, "Enable the admin namespace")
		doClear        = fs.Bool("clear", false, "Clear the response cache on startup")
		healthCheck    = fs.Bool("health_check", true, "Enable the health-check loop")
		isWS           = fs.Bool("ws", false, "Enable the upstream WebSocket layer")
		ttl            = fs.Int64("ttl", -1, "Per-query timeout in milliseconds")
		healthCheckTTL = fs.Int64("health_check_ttl", -1, "Pause between health checks in milliseconds")
		maxConsecutive = fs.Uint("max_consecutive", 0, "Max times in a row one node is picked")
		minTimeDelta   = fs.Int64("min_time_delta", -1, "Minimum pause before reusing a node, in milliseconds")
		cacheDir       = fs.String("cache_dir", "", "Response cache directory")
		cacheCompress  = fs.Bool("cache_compression", false, "Compress cached values")
		logLevel       = fs.String("log_level", "", "Log level: trace, debug, info, warn, error")
		logJSON        = fs.Bool("log_json", false, "Emit JSON log lines")
		rpcList        = fs.String("rpc_list", "", "Comma-separated endpoints, each url or url|ws_url")
	)

	if err := fs.Parse(args); err != nil {
		return Settings{}, err
	}

	s := Default()
	if *configPath != "" {
		if err := LoadFile(*configPath, &s); err != nil {
			return Settings{}, err
		}
	}

	// Only flags the caller actually set override the file values.
	var ferr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "address":
			s.Address = *address
		case "admin_address":
			s.AdminAddress = *adminAddress
		case "admin":
			s.AdminEnabled = *adminEnabled
		case "clear":
			s.DoClear = *doClear
		case "health_check":
			s.HealthCheck = *healthCheck
		case "ws":
			s.IsWS = *isWS
		case "ttl":
			ferr = firstErr(ferr, parseMillis(fmt.Sprint(*ttl), &s.TTL))
		case "health_check_ttl":
			ferr = firstErr(ferr, parseMillis(fmt.Sprint(*healthCheckTTL), &s.HealthCheckTTL))
		case "max_consecutive":
			s.MaxConsecutive = *maxConsecutive
		case "min_time_delta":
			ferr = firstErr(ferr, parseMillis(fmt.Sprint(*minTimeDelta), &s.MinTimeDelta))
		case "cache_dir":
			s.CacheDir = *cacheDir
		case "cache_compression":
			s.CacheCompression = *cacheCompress
		case "log_level":
			s.LogLevel = *logLevel
		case "log_json":
			s.LogJSON = *logJSON
		case "rpc_list":
			entries, err := ParseRpcList(*rpcList)
			ferr = firstErr(ferr, err)
			s.Rpcs = entries
		}
	})
	if ferr != nil {
		return Settings{}, ferr
	}

	return s, nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
