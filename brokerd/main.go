package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"gopkg.in/yaml.v3"

	"github.com/collabkit/collabkit/collabkit"
)

const BrokerdVersion = "0.1.0"

const DefaultPort = 8800

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
}

func main() {
	usage := fmt.Sprintf(
		`Collabkit room broker.

Without --jwt_secret the broker runs open (any token is accepted),
which is meant for development only.

Usage:
    brokerd run [--config=<config>]
        [--port=<port>] [--path=<path>]
        [--jwt_secret=<jwt_secret>]
        [--storage=<storage>] [--storage_dir=<storage_dir>] [--postgres_url=<postgres_url>]
        [--allow_anonymous]
        [--save_on_operation]
        [--server_timestamp]
        [-v=<v>]
    brokerd token --jwt_secret=<jwt_secret> --user_id=<user_id>
        [--name=<name>] [--roles=<roles>] [--expires_h=<expires_h>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --config=<config>              Yaml config file. Flags override the file.
    -p --port=<port>               Listen port [default: %d].
    --path=<path>                  Websocket path [default: /ws].
    --jwt_secret=<jwt_secret>      HS256 secret for token verification.
    --storage=<storage>            One of memory, file, postgres [default: memory].
    --storage_dir=<storage_dir>    Root dir for file storage [default: ./collabkit-data].
    --postgres_url=<postgres_url>  Postgres url for postgres storage.
    --allow_anonymous              Accept unauthenticated sessions.
    --save_on_operation            Persist the room snapshot on every operation.
    --server_timestamp             Stamp operations with the broker clock.
    --user_id=<user_id>            Token subject.
    --name=<name>                  Token display name.
    --roles=<roles>                Comma-separated roles for the token.
    --expires_h=<expires_h>        Token lifetime in hours [default: 24].
    -v=<v>                         Verbose logging level [default: 0].`,
		DefaultPort,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BrokerdVersion)
	if err != nil {
		panic(err)
	}

	if v, parseErr := opts.Int("-v"); parseErr == nil {
		flag.Set("v", fmt.Sprintf("%d", v))
	}
	flag.Parse()

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

// yaml mirror of the command line. Flags override file values.
type brokerConfig struct {
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	JwtSecret string `yaml:"jwt_secret"`

	Storage     string `yaml:"storage"`
	StorageDir  string `yaml:"storage_dir"`
	PostgresUrl string `yaml:"postgres_url"`

	AllowAnonymous  bool `yaml:"allow_anonymous"`
	SaveOnOperation bool `yaml:"save_on_operation"`
	ServerTimestamp bool `yaml:"server_timestamp"`

	RateLimit             float64 `yaml:"rate_limit"`
	MessageTimeoutS       int     `yaml:"message_timeout_s"`
	FunctionTimeoutS      int     `yaml:"function_timeout_s"`
	MaxConnectionsPerUser int     `yaml:"max_connections_per_user"`
}

func loadConfig(opts docopt.Opts) *brokerConfig {
	config := &brokerConfig{
		Port:    DefaultPort,
		Path:    "/ws",
		Storage: "memory",
	}

	if configPathAny := opts["--config"]; configPathAny != nil {
		configPath := configPathAny.(string)
		data, err := os.ReadFile(configPath)
		if err != nil {
			glog.Errorf("[brokerd]read config %s error = %v\n", configPath, err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			glog.Errorf("[brokerd]parse config %s error = %v\n", configPath, err)
			os.Exit(1)
		}
	}

	if port, err := opts.Int("--port"); err == nil && port != 0 {
		config.Port = port
	}
	if pathAny := opts["--path"]; pathAny != nil {
		config.Path = pathAny.(string)
	}
	if jwtSecretAny := opts["--jwt_secret"]; jwtSecretAny != nil {
		config.JwtSecret = jwtSecretAny.(string)
	}
	if storageAny := opts["--storage"]; storageAny != nil {
		config.Storage = storageAny.(string)
	}
	if storageDirAny := opts["--storage_dir"]; storageDirAny != nil {
		config.StorageDir = storageDirAny.(string)
	}
	if postgresUrlAny := opts["--postgres_url"]; postgresUrlAny != nil {
		config.PostgresUrl = postgresUrlAny.(string)
	}
	if allowAnonymous_, _ := opts.Bool("--allow_anonymous"); allowAnonymous_ {
		config.AllowAnonymous = true
	}
	if saveOnOperation_, _ := opts.Bool("--save_on_operation"); saveOnOperation_ {
		config.SaveOnOperation = true
	}
	if serverTimestamp_, _ := opts.Bool("--server_timestamp"); serverTimestamp_ {
		config.ServerTimestamp = true
	}
	return config
}

func run(opts docopt.Opts) {
	config := loadConfig(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCtx, stop := signal.NotifyContext(cancelCtx, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	settings := collabkit.DefaultBrokerSettings()
	settings.Path = config.Path
	settings.SaveOnOperation = config.SaveOnOperation
	settings.UseServerTimestamp = config.ServerTimestamp
	if config.AllowAnonymous {
		settings.RequireAuth = false
		settings.AllowAnonymous = true
	}
	if 0 < config.RateLimit {
		settings.RateLimit = config.RateLimit
	}
	if 0 < config.MessageTimeoutS {
		settings.MessageTimeout = time.Duration(config.MessageTimeoutS) * time.Second
	}
	if 0 < config.FunctionTimeoutS {
		settings.FunctionTimeout = time.Duration(config.FunctionTimeoutS) * time.Second
	}
	if 0 < config.MaxConnectionsPerUser {
		settings.MaxConnectionsPerUser = config.MaxConnectionsPerUser
	}

	var auth collabkit.AuthProvider
	if config.JwtSecret != "" {
		auth = collabkit.NewJwtAuthProvider(config.JwtSecret)
	} else {
		glog.Infof("[brokerd]no jwt secret, running open\n")
		auth = collabkit.NewNoAuth()
	}

	broker := collabkit.NewBroker(cancelCtx, auth, settings)
	defer broker.Close()

	storage, err := openStorage(cancelCtx, config)
	if err != nil {
		glog.Errorf("[brokerd]storage error = %v\n", err)
		os.Exit(1)
	}
	if storage != nil {
		broker.SetStorage(storage)
	}

	mux := http.NewServeMux()
	broker.AttachEndpoints(mux)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: mux,
	}

	go func() {
		defer cancel()
		glog.Infof("[brokerd]%s listening on *:%d%s\n", BrokerdVersion, config.Port, config.Path)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("[brokerd]serve error = %v\n", err)
		}
	}()

	<-signalCtx.Done()
	glog.Infof("[brokerd]shutting down\n")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

func openStorage(ctx context.Context, config *brokerConfig) (collabkit.Storage, error) {
	switch config.Storage {
	case "", "memory":
		return collabkit.NewMemoryStorage(), nil
	case "file":
		dir := config.StorageDir
		if dir == "" {
			dir = "./collabkit-data"
		}
		return collabkit.NewFileStorage(dir)
	case "postgres":
		if config.PostgresUrl == "" {
			return nil, fmt.Errorf("postgres storage needs --postgres_url")
		}
		storage := collabkit.NewPostgresStorage(config.PostgresUrl)
		if err := storage.Connect(ctx); err != nil {
			return nil, err
		}
		return storage, nil
	default:
		return nil, fmt.Errorf("unknown storage %q", config.Storage)
	}
}

// token mints a development JWT against the broker secret.
func token(opts docopt.Opts) {
	jwtSecret, _ := opts["--jwt_secret"].(string)
	userId, _ := opts["--user_id"].(string)
	name, _ := opts["--name"].(string)
	if name == "" {
		name = userId
	}

	roles := []string{}
	if rolesAny := opts["--roles"]; rolesAny != nil {
		for _, role := range strings.Split(rolesAny.(string), ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
	}

	expiresH, err := opts.Int("--expires_h")
	if err != nil || expiresH <= 0 {
		expiresH = 24
	}

	provider := collabkit.NewJwtAuthProvider(jwtSecret)
	signed, err := provider.CreateToken(userId, name, roles, time.Duration(expiresH)*time.Hour)
	if err != nil {
		glog.Errorf("[brokerd]token error = %v\n", err)
		os.Exit(1)
	}
	fmt.Println(signed)
}
