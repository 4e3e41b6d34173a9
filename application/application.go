// Package application 为推送服务进程的运行时容器，负责加载配置、初始化日志并启动 server。
package application

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-push/internal/server"
	zlog "github.com/lk2023060901/danmu-garden-push/pkg/log"
	zviper "github.com/lk2023060901/danmu-garden-push/pkg/util/viper"
)

const (
	defaultConfigPath = "./config.yaml"
	envConfigPath     = "ZEUS_CONFIG_FILE_PATH"

	// loggingKey 为模块日志配置段，loggingKey.push 存在时覆盖全局日志。
	loggingKey = "logging"
)

// Application 持有进程级配置与日志。
type Application struct {
	cfg     *zviper.Config
	loggers map[string]*zlog.MLogger
}

// New 创建一个 Application。
func New() *Application {
	return &Application{}
}

// Run 为推送服务的入口，阻塞直至 ctx 取消或服务出错。
//
// 配置文件路径优先级（从低到高）：
//  1. 默认：./config.yaml（不存在时使用缺省配置）；
//  2. 环境变量：ZEUS_CONFIG_FILE_PATH；
//  3. 命令行：--config <path> 或 --config=<path>。
func (a *Application) Run(ctx context.Context) error {
	cfg, err := a.loadConfig(os.Args[1:])
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()

	pushCfg, err := server.LoadConfig(a.cfg)
	if err != nil {
		return errors.Wrap(err, "load push config")
	}

	srv, err := server.New(ctx, pushCfg)
	if err != nil {
		return errors.Wrap(err, "create push server")
	}
	if lg, ok := a.loggers[server.ConfigKey]; ok {
		srv.SetLogger(lg.With(zlog.FieldNode(srv.Node())).WithRateGroup("push.server", 1, 60))
	}

	zlog.Info("push service starting", zap.String("node", srv.Node()), zap.String("addr", pushCfg.HTTP.Addr))
	return srv.Run(ctx)
}

// Config 返回已加载的配置。
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Logger 返回按名称配置的模块日志，未配置时回退到全局日志。
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

func (a *Application) loadConfig(args []string) (*zviper.Config, error) {
	path, explicit, err := resolveConfigPath(args)
	if err != nil {
		return nil, err
	}

	cfg := zviper.New()
	if !explicit {
		if _, statErr := os.Stat(path); statErr != nil && os.IsNotExist(statErr) {
			return cfg, nil
		}
	}
	if err := cfg.LoadFile(path); err != nil {
		return nil, errors.Wrapf(err, "load config file %q", path)
	}
	return cfg, nil
}

// resolveConfigPath 返回配置文件路径，explicit 表示路径来自环境变量或命令行。
func resolveConfigPath(args []string) (path string, explicit bool, err error) {
	path = defaultConfigPath
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		path, explicit = envPath, true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", false, errors.New("missing value after --config")
			}
			path, explicit = args[i+1], true
			i++
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok && val != "" {
			path, explicit = val, true
		}
	}
	return path, explicit, nil
}

func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv 依据 ZEUS_LOG_* 环境变量初始化全局日志。
//
//   - ZEUS_LOG_ENABLE：为 "1"/"true" 时开启输出，缺省开启；
//   - ZEUS_LOG_LEVEL：日志级别，缺省 info；
//   - ZEUS_LOG_STDOUT：是否输出到标准输出，缺省 true；
//   - ZEUS_LOG_FILE_DIR / ZEUS_LOG_FILE：文件日志目录与文件名；
//   - ZEUS_LOG_FORMAT：text 或 json，缺省 text。
func (a *Application) initGlobalLoggerFromEnv() error {
	cfg := &zlog.Config{
		Level:               getenvDefault("ZEUS_LOG_LEVEL", "info"),
		Format:              getenvDefault("ZEUS_LOG_FORMAT", "text"),
		Stdout:              getenvBool("ZEUS_LOG_STDOUT", true),
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("ZEUS_LOG_FILE_DIR", ""),
			Filename: getenvDefault("ZEUS_LOG_FILE", ""),
		},
	}
	if !getenvBool("ZEUS_LOG_ENABLE", true) {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig 按 logging 段创建模块日志，例如：
//
//	logging:
//	  push:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: push.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey(loggingKey, &raw); err != nil {
		return errors.Wrap(err, "unmarshal logging config")
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}
	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
