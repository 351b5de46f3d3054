package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pablobfonseca/go-media-vector/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the flat set of values the pipeline reads at job start.
type Config struct {
	Quantization      models.Quantization
	BatchSize         int
	MaxFrames         int
	Incremental       bool
	MinScore          float64
	TopK              int
	Device            string
	WorkerCount       int
	SceneDetection    bool
	SceneThreshold    float64
	MinSceneSeconds   float64
	DecodeTimeout     time.Duration
	ModelTimeout      time.Duration
	ModelRate         float64
	StoreFrameVectors bool

	EmbeddingHost  string
	EmbeddingModel string
	EmbeddingDim   int

	DB    DBConfig
	Redis RedisConfig

	IndexDispatch string
	FFmpegBin     string
	FFprobeBin    string
	HTTPAddr      string
	LogLevel      string
	LogFormat     string
}

type DBConfig struct {
	Driver   string
	Path     string
	Host     string
	User     string
	Password string
	Name     string
	Port     string
	SSLMode  string
}

// DSN builds the postgres connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.Host, c.User, c.Password, c.Name, c.Port, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("QUANTIZATION", string(models.QuantFloat16))
	v.SetDefault("BATCH_SIZE", 32)
	v.SetDefault("MAX_FRAMES", 30)
	v.SetDefault("INCREMENTAL", true)
	v.SetDefault("MIN_SCORE", 0.2)
	v.SetDefault("TOP_K", 20)
	v.SetDefault("DEVICE", "auto")
	v.SetDefault("WORKER_COUNT", 2)
	v.SetDefault("SCENE_DETECTION", true)
	v.SetDefault("SCENE_THRESHOLD", 0.3)
	v.SetDefault("MIN_SCENE_SECONDS", 0.5)
	v.SetDefault("DECODE_TIMEOUT", "60s")
	v.SetDefault("MODEL_TIMEOUT", "120s")
	v.SetDefault("MODEL_RATE", 0)
	v.SetDefault("STORE_FRAME_VECTORS", false)
	v.SetDefault("EMBEDDING_HOST", "localhost:11434")
	v.SetDefault("EMBEDDING_MODEL", "clip-vit-base-patch32")
	v.SetDefault("EMBEDDING_DIM", 0)
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_PATH", "./media_vectors.db")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("INDEX_DISPATCH", "local")
	v.SetDefault("FFMPEG_BIN", "ffmpeg")
	v.SetDefault("FFPROBE_BIN", "ffprobe")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// Load reads envFile (when it exists) and the environment into a Config.
// An empty envFile skips file loading.
func Load(v *viper.Viper, envFile string) (*Config, error) {
	SetDefaults(v)

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				logrus.WithField("file", envFile).Debug("No env file found, using environment only")
			} else {
				logrus.WithError(err).WithField("file", envFile).Warn("Error reading env file")
			}
		}
	}
	v.AutomaticEnv()

	quant, err := models.ParseQuantization(v.GetString("QUANTIZATION"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Quantization:      quant,
		BatchSize:         v.GetInt("BATCH_SIZE"),
		MaxFrames:         v.GetInt("MAX_FRAMES"),
		Incremental:       v.GetBool("INCREMENTAL"),
		MinScore:          v.GetFloat64("MIN_SCORE"),
		TopK:              v.GetInt("TOP_K"),
		Device:            v.GetString("DEVICE"),
		WorkerCount:       v.GetInt("WORKER_COUNT"),
		SceneDetection:    v.GetBool("SCENE_DETECTION"),
		SceneThreshold:    v.GetFloat64("SCENE_THRESHOLD"),
		MinSceneSeconds:   v.GetFloat64("MIN_SCENE_SECONDS"),
		DecodeTimeout:     v.GetDuration("DECODE_TIMEOUT"),
		ModelTimeout:      v.GetDuration("MODEL_TIMEOUT"),
		ModelRate:         v.GetFloat64("MODEL_RATE"),
		StoreFrameVectors: v.GetBool("STORE_FRAME_VECTORS"),
		EmbeddingHost:     v.GetString("EMBEDDING_HOST"),
		EmbeddingModel:    v.GetString("EMBEDDING_MODEL"),
		EmbeddingDim:      v.GetInt("EMBEDDING_DIM"),
		DB: DBConfig{
			Driver:   strings.ToLower(v.GetString("DB_DRIVER")),
			Path:     v.GetString("DB_PATH"),
			Host:     v.GetString("DB_HOST"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			Port:     v.GetString("DB_PORT"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		IndexDispatch: strings.ToLower(v.GetString("INDEX_DISPATCH")),
		FFmpegBin:     v.GetString("FFMPEG_BIN"),
		FFprobeBin:    v.GetString("FFPROBE_BIN"),
		HTTPAddr:      v.GetString("HTTP_ADDR"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		LogFormat:     v.GetString("LOG_FORMAT"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.MaxFrames <= 0 {
		return fmt.Errorf("MAX_FRAMES must be positive, got %d", c.MaxFrames)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.TopK < 0 {
		return fmt.Errorf("TOP_K must not be negative, got %d", c.TopK)
	}
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	switch c.IndexDispatch {
	case "local":
	case "queue":
		if !c.Redis.Enabled() {
			return errors.New("INDEX_DISPATCH=queue requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unsupported INDEX_DISPATCH %q", c.IndexDispatch)
	}
	return nil
}
