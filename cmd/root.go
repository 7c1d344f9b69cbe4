package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcadas/guildgate/guildgate"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = guildgate.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "guildgate [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level strings into *slog.LevelVar
// config fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("log_level", guildgate.DefaultLogLevel.String())
	viper.SetDefault(
		"database_log_level",
		guildgate.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault(
		"dispatch_log_level",
		guildgate.DefaultDispatchLogLevel.String(),
	)

	viper.SetDefault("startup_timeout", guildgate.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", guildgate.DefaultShutdownTimeout)

	// Coordination store
	viper.SetDefault("redis.addr", guildgate.DefaultRedisAddr)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.max_connections", guildgate.DefaultMaxConnections)
	viper.SetDefault("redis.connect_timeout", guildgate.DefaultConnectTimeout)
	viper.SetDefault(
		"redis.retry.base_delay",
		guildgate.DefaultRetryBaseDelay,
	)
	viper.SetDefault(
		"redis.retry.max_attempts",
		guildgate.DefaultRetryMaxAttempts,
	)
	viper.SetDefault(
		"redis.health_probes",
		guildgate.DefaultHealthProbeCount,
	)

	// Lease locks
	viper.SetDefault("lock.ttl", guildgate.DefaultLeaseTTL)
	viper.SetDefault(
		"lock.retry_interval",
		guildgate.DefaultLockRetryInterval,
	)

	// Dispatch queues
	viper.SetDefault("dispatch.interval", guildgate.DefaultDispatchInterval)
	viper.SetDefault("dispatch.idle_timeout", guildgate.DefaultDispatchIdle)

	// Discord deliverer
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.delivery_rate", guildgate.DefaultDeliveryRate)
	viper.SetDefault("discord.delivery_burst", guildgate.DefaultDeliveryBurst)

	// Delivery audit
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.database", guildgate.DefaultAuditDatabase)
	viper.SetDefault(
		"audit.slow_threshold",
		guildgate.DefaultAuditSlowThreshold,
	)

	envPrefix := os.Getenv(guildgate.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = guildgate.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"dispatch_log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
