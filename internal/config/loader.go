package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/etcd/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SourceType selects where the base configuration document comes from.
type SourceType string

const (
	SourceFile      SourceType = "file"
	SourceConsul    SourceType = "consul"
	SourceEtcd      SourceType = "etcd"
	SourceZookeeper SourceType = "zookeeper"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Type      SourceType
	Path      string
	Endpoints []string
	Watch     bool
}

// Loader wraps a koanf instance layered file/remote -> env overrides, plus
// an atomic generation counter so a hot reload only affects tasks opened
// after the swap lands.
type Loader struct {
	k        *koanf.Koanf
	opts     LoaderOptions
	gen      atomic.Uint64
	current  atomic.Pointer[Config]
	onChange func(*Config)
}

// NewLoader constructs a Loader; Path is required for file/consul/etcd
// sources and is the file path or remote key respectively.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config: path/key is required")
	}
	return &Loader{k: koanf.New("."), opts: opts}, nil
}

// Load reads the configured source, overlays the recognized environment
// variables, validates, and returns the resolved Config. If Watch is set on
// a file source, changes are picked up via fsnotify and exposed through
// Current()/Generation() without disrupting tasks already running.
func (l *Loader) Load() (*Config, error) {
	provider, parser, err := l.provider()
	if err != nil {
		return nil, err
	}
	if err := l.k.Load(provider, parser); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", l.opts.Type, err)
	}
	if err := l.expandEnvVars(); err != nil {
		return nil, err
	}
	if err := l.k.Load(env.Provider(".", env.Opt{
		TransformFunc: envTransform,
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env overrides: %w", err)
	}

	cfg, err := unmarshalConfig(l.k)
	if err != nil {
		return nil, err
	}

	l.current.Store(cfg)
	l.gen.Add(1)

	if l.opts.Watch && l.opts.Type == SourceFile {
		go l.watchFile()
	}
	return cfg, nil
}

// Current returns the most recently loaded Config.
func (l *Loader) Current() *Config { return l.current.Load() }

// Generation returns a counter incremented on every successful (re)load.
// The Pipeline Engine stamps a task with the generation active at creation
// time and never consults a newer one mid-flight.
func (l *Loader) Generation() uint64 { return l.gen.Load() }

// OnChange registers a callback invoked after each successful hot reload.
func (l *Loader) OnChange(fn func(*Config)) { l.onChange = fn }

func (l *Loader) provider() (koanf.Provider, koanf.Parser, error) {
	switch l.opts.Type {
	case SourceFile:
		return file.Provider(l.opts.Path), yaml.Parser(), nil
	case SourceConsul:
		cc := consulapi.DefaultConfig()
		if len(l.opts.Endpoints) > 0 {
			cc.Address = l.opts.Endpoints[0]
		}
		// The consul provider returns an already-parsed map, so no parser.
		return consul.Provider(consul.Config{Cfg: cc, Key: l.opts.Path}), nil, nil
	case SourceEtcd:
		endpoints := l.opts.Endpoints
		if len(endpoints) == 0 {
			endpoints = []string{"localhost:2379"}
		}
		return etcd.Provider(etcd.Config{
			Endpoints:   endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.opts.Path,
		}), nil, nil
	case SourceZookeeper:
		endpoints := l.opts.Endpoints
		if len(endpoints) == 0 {
			endpoints = []string{"localhost:2181"}
		}
		provider, err := newZookeeperProvider(endpoints, l.opts.Path)
		if err != nil {
			return nil, nil, err
		}
		return provider, yaml.Parser(), nil
	default:
		return nil, nil, fmt.Errorf("config: unsupported source type %q", l.opts.Type)
	}
}

func (l *Loader) watchFile() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config: failed to start file watcher", "error", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(l.opts.Path); err != nil {
		slog.Warn("config: failed to watch config file", "path", l.opts.Path, "error", err)
		return
	}
	for event := range watcher.Events {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		newK := koanf.New(".")
		if err := newK.Load(file.Provider(l.opts.Path), yaml.Parser()); err != nil {
			slog.Warn("config: reload failed", "error", err)
			continue
		}
		cfg, err := unmarshalConfig(newK)
		if err != nil {
			slog.Warn("config: reload produced invalid config, keeping previous", "error", err)
			continue
		}
		l.k = newK
		l.current.Store(cfg)
		l.gen.Add(1)
		slog.Info("config: reloaded", "generation", l.gen.Load())
		if l.onChange != nil {
			l.onChange(cfg)
		}
	}
}

// envKeyMap binds the recognized environment variables to their koanf
// paths. Variables absent from this table (and not matching the per-agent
// pattern below) are ignored rather than guessed at.
var envKeyMap = map[string]string{
	"MAKER_MODE":           "maker.mode",
	"MAKER_NUM_CANDIDATES": "maker.num_candidates",
	"MAKER_VOTE_K":         "maker.vote_k",
	"MAX_CONTEXT_TOKENS":   "context.max_tokens",
	"TASK_TTL_SECONDS":     "task.ttl",
	"TOOL_SERVER_URL":      "server.tool_server_url",
}

// envTransform maps one environment variable to its koanf path, returning
// an empty key to skip anything unrecognized. Per-agent endpoint and
// timeout overrides follow MAKER_AGENT_<ROLE>_URL and
// MAKER_AGENT_<ROLE>_TIMEOUT_MS.
func envTransform(k, v string) (string, any) {
	if key, ok := envKeyMap[k]; ok {
		if k == "TASK_TTL_SECONDS" {
			return key, v + "s"
		}
		return key, v
	}
	if k == "ENABLE_REASONING_CHAIN" {
		// The config models the chain as on-unless-disabled, so the
		// enable flag maps inverted.
		disabled := strings.EqualFold(v, "false") || v == "0" || strings.EqualFold(v, "no")
		return "melody.disabled", strconv.FormatBool(disabled)
	}
	if rest, ok := strings.CutPrefix(k, "MAKER_AGENT_"); ok {
		rest = strings.ToLower(rest)
		if i := strings.Index(rest, "_"); i > 0 {
			return "agents." + rest[:i] + "." + rest[i+1:], v
		}
	}
	return "", v
}

// expandEnvVars rewrites ${VAR} references in the loaded document's string
// values before unmarshalling, reloading the expanded tree through a
// confmap provider so later layers see plain values.
func (l *Loader) expandEnvVars() error {
	expanded, ok := expandValue(l.k.Raw()).(map[string]interface{})
	if !ok {
		return fmt.Errorf("config: unexpected shape after env var expansion")
	}
	newK := koanf.New(".")
	if err := newK.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return fmt.Errorf("config: reload expanded values: %w", err)
	}
	l.k = newK
	return nil
}

func expandValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return os.ExpandEnv(t)
	case map[string]interface{}:
		for k, vv := range t {
			t[k] = expandValue(vv)
		}
		return t
	case []interface{}:
		for i, vv := range t {
			t[i] = expandValue(vv)
		}
		return t
	default:
		return v
	}
}

// unmarshalConfig decodes a loaded koanf tree into a validated Config. The
// structs carry yaml tags, so the unmarshal must be told to follow them.
func unmarshalConfig(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnvOrFile is the convenience entry point cmd/makerd uses: loads a
// .env file if present, then the config file
// named by MAKER_CONFIG_PATH or the provided default.
func LoadFromEnvOrFile(defaultPath string, dotenvLoader func(...string) error) (*Config, *Loader, error) {
	_ = dotenvLoader() // best-effort; missing .env is not an error

	path := os.Getenv("MAKER_CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}
	loader, err := NewLoader(LoaderOptions{Type: SourceFile, Path: path, Watch: true})
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
