package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/loiht2/ml-platform-finetune/backend/k8s"
)

// Settings captures runtime settings loaded from defaults, file, env and flags.
type Settings struct {
	Server      ServerSettings      `mapstructure:"server"`
	Database    DatabaseSettings    `mapstructure:"database"`
	Paths       PathSettings        `mapstructure:"paths"`
	Training    TrainingSettings    `mapstructure:"training"`
	Inference   InferenceSettings   `mapstructure:"inference"`
	HuggingFace HuggingFaceSettings `mapstructure:"huggingface"`
	Mirror      MirrorSettings      `mapstructure:"mirror"`
	Kubernetes  KubernetesSettings  `mapstructure:"kubernetes"`
	Telemetry   TelemetrySettings   `mapstructure:"telemetry"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Port           string        `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout stays zero by default: training requests are held open
	// until the training process exits.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseSettings selects the registry database.
type DatabaseSettings struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// PathSettings locates dataset files and training artifacts.
type PathSettings struct {
	DataDir   string `mapstructure:"data_dir"`
	OutputDir string `mapstructure:"output_dir"`
}

// TrainingSettings locates the Python interpreter and training script.
type TrainingSettings struct {
	Python string `mapstructure:"python"`
	Script string `mapstructure:"script"`
}

// InferenceSettings configures the inference script. The script is called
// with --model_id, --prompt, --bnb_4bit_compute_dtype and --max_new_tokens
// and prints the generated text to stdout.
type InferenceSettings struct {
	Script       string `mapstructure:"script"`
	MaxNewTokens int    `mapstructure:"max_new_tokens"`
}

// HuggingFaceSettings configures the Hugging Face login.
type HuggingFaceSettings struct {
	AddToGitCredential bool `mapstructure:"add_to_git_credential"`
}

// MirrorSettings configures the optional object-storage copy of dataset files.
// Credentials come either from the explicit keys or from CredentialsSecret
// in SecretNamespace.
type MirrorSettings struct {
	Enabled           bool   `mapstructure:"enabled"`
	Endpoint          string `mapstructure:"endpoint"`
	AccessKey         string `mapstructure:"access_key"`
	SecretKey         string `mapstructure:"secret_key"`
	UseSSL            bool   `mapstructure:"use_ssl"`
	Region            string `mapstructure:"region"`
	Bucket            string `mapstructure:"bucket"`
	CredentialsSecret string `mapstructure:"credentials_secret"`
	SecretNamespace   string `mapstructure:"secret_namespace"`
}

// KubernetesSettings locates the cluster holding the mirror credentials.
type KubernetesSettings struct {
	Kubeconfig string `mapstructure:"kubeconfig"`
}

// TelemetrySettings toggles stdout tracing.
type TelemetrySettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=myuser password=mypassword dbname=mydb sslmode=disable")
	v.SetDefault("paths.data_dir", "models_ml/data")
	v.SetDefault("paths.output_dir", "models_ml/outputs")
	v.SetDefault("training.python", "python3")
	v.SetDefault("training.script", "models_ml/training/train_data.py")
	v.SetDefault("inference.script", "models_ml/inference/eval_data.py")
	v.SetDefault("inference.max_new_tokens", 256)
	v.SetDefault("huggingface.add_to_git_credential", true)
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.access_key", "")
	v.SetDefault("mirror.secret_key", "")
	v.SetDefault("mirror.use_ssl", false)
	v.SetDefault("mirror.region", "us-east-1")
	v.SetDefault("mirror.bucket", "finetune-datasets")
	v.SetDefault("mirror.credentials_secret", "")
	v.SetDefault("mirror.secret_namespace", "default")
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "finetune-backend")
}

// flagKeys maps command-line flags to settings keys.
var flagKeys = map[string]string{
	"port":       "server.port",
	"db-driver":  "database.driver",
	"db-dsn":     "database.dsn",
	"data-dir":   "paths.data_dir",
	"output-dir": "paths.output_dir",
	"kubeconfig": "kubernetes.kubeconfig",
}

// Load reads settings from defaults, an optional config.yaml (./configs or
// the working directory, or configFile when set), FINETUNE_* environment
// variables and the flags in flags. flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("FINETUNE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) validate() error {
	switch s.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database driver %q", s.Database.Driver)
	}
	if s.Paths.DataDir == "" || s.Paths.OutputDir == "" {
		return fmt.Errorf("config: paths.data_dir and paths.output_dir are required")
	}
	if s.Mirror.Enabled && s.Mirror.Bucket == "" {
		return fmt.Errorf("config: mirror.bucket is required when the mirror is enabled")
	}
	return nil
}

// Config holds the settings together with the clients built from them
type Config struct {
	Settings *Settings

	// Database
	DB *gorm.DB

	// Kubernetes client, only built when the mirror reads its credentials
	// from a secret
	K8sClient *k8s.Client
}

// New creates a new configuration instance
func New(s *Settings) (*Config, error) {
	cfg := &Config{Settings: s}

	if err := cfg.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if s.Mirror.Enabled && s.Mirror.CredentialsSecret != "" {
		if err := cfg.initK8sClient(); err != nil {
			cfg.Close()
			return nil, fmt.Errorf("failed to initialize Kubernetes client: %w", err)
		}
	}

	log.Println("Configuration initialized successfully")
	return cfg, nil
}

// Dialector returns the gorm dialector for a driver name.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// initDatabase initializes the database connection pool
func (c *Config) initDatabase() error {
	dialector, err := Dialector(c.Settings.Database.Driver, c.Settings.Database.DSN)
	if err != nil {
		return err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	if c.Settings.Database.Driver == "sqlite" {
		// A single connection keeps sqlite writes serialized.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&TrainedModel{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	c.DB = db
	log.Printf("Database initialized successfully (driver: %s)", c.Settings.Database.Driver)
	return nil
}

// initK8sClient initializes the Kubernetes client used to read secrets
func (c *Config) initK8sClient() error {
	clientset, err := k8s.NewClientset(c.Settings.Kubernetes.Kubeconfig)
	if err != nil {
		return err
	}
	c.K8sClient = k8s.NewClient(clientset)
	log.Println("Kubernetes client initialized successfully")
	return nil
}

// Close closes all connections
func (c *Config) Close() {
	if c.DB != nil {
		sqlDB, err := c.DB.DB()
		if err == nil {
			sqlDB.Close()
		}
	}
}
