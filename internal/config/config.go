package config

import (
	"errors"
	"io/fs"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Bot        Bot
	Store      Store
	Redis      Redis
	SQLite     SQLite
	Queue      Queue
	API        API
	Watch      Watch
	Aria2      Aria2
	Qbit       Qbit
	Drive      Drive
	Streamtape Streamtape
	S3         S3
}

type Bot struct {
	ID      string `env:"Bot_ID" envDefault:"mirrorq"`
	DataDir string `env:"Bot_DataDir" envDefault:"."`
	// DownloadDir is where download backends place their payloads.
	DownloadDir string `env:"Bot_DownloadDir" envDefault:"./downloads"`
}

type Store struct {
	// Driver is one of redis, sqlite or none.
	Driver string `env:"Store_Driver" envDefault:"redis"`
	// Policy is fail-open or fail-closed.
	Policy string `env:"Store_Policy" envDefault:"fail-open"`
}

type Redis struct {
	Addr         string `env:"Redis_Address" envDefault:"localhost:6379"`
	Password     string `env:"Redis_Password"`
	DB           int    `env:"Redis_DB"`
	KeyPrefix    string `env:"Redis_KeyPrefix" envDefault:"mirrorq"`
	EventsStream string `env:"Redis_EventsStream" envDefault:"events"`
	EventsMaxLen int64  `env:"Redis_EventsMaxLen" envDefault:"10000"`

	// Intake enables the consumer of the request stream.
	Intake       bool          `env:"Redis_Intake"`
	StreamKey    string        `env:"Redis_StreamKey" envDefault:"requests"`
	Group        string        `env:"Redis_Group" envDefault:"mirrorq"`
	DLQStreamKey string        `env:"Redis_DLQStreamKey" envDefault:"requests:dead"`
	ClaimMinIdle time.Duration `env:"Redis_ClaimMinIdle" envDefault:"5m"`
}

type SQLite struct {
	Path string `env:"SQLite_Path" envDefault:"./data/mirrorq.db"`
}

type Queue struct {
	MaxDownloads int `env:"Queue_MaxDownloads"`
	MaxUploads   int `env:"Queue_MaxUploads"`
	MaxPerUser   int `env:"Queue_MaxPerUser"`
	HistorySize  int `env:"Queue_HistorySize" envDefault:"256"`
}

type API struct {
	Port        int      `env:"API_Port" envDefault:"8080"`
	CORSOrigins []string `env:"API_CORSOrigins" envSeparator:"," envDefault:"*"`
}

type Watch struct {
	Interval    time.Duration `env:"Watch_Interval" envDefault:"3s"`
	BaseBackoff time.Duration `env:"Watch_BaseBackoff" envDefault:"500ms"`
	MaxBackoff  time.Duration `env:"Watch_MaxBackoff" envDefault:"30s"`
	MaxErrors   int           `env:"Watch_MaxErrors" envDefault:"10"`
}

type Aria2 struct {
	RPCURL string `env:"Aria2_RPCURL"`
	Secret string `env:"Aria2_Secret"`
}

type Qbit struct {
	Host     string `env:"Qbit_Host"`
	Username string `env:"Qbit_Username"`
	Password string `env:"Qbit_Password"`
}

type Drive struct {
	CredentialsFile string `env:"Drive_CredentialsFile"`
	ClientID        string `env:"Drive_ClientID"`
	ClientSecret    string `env:"Drive_ClientSecret"`
	RefreshToken    string `env:"Drive_RefreshToken"`
	// FolderID is the default destination for clones.
	FolderID string `env:"Drive_FolderID"`
}

func (d Drive) Enabled() bool {
	return d.CredentialsFile != "" || d.RefreshToken != ""
}

type Streamtape struct {
	Login string `env:"Streamtape_Login"`
	Key   string `env:"Streamtape_Key"`
}

type S3 struct {
	Bucket          string `env:"S3_Bucket"`
	Region          string `env:"S3_Region" envDefault:"us-east-1"`
	Endpoint        string `env:"S3_Endpoint"`
	AccessKeyID     string `env:"S3_AccessKeyID"`
	SecretAccessKey string `env:"S3_SecretAccessKey"`
	PathStyle       bool   `env:"S3_PathStyle"`
}

// Parse loads the dotenv file at path, if present, into the environment
// and parses the configuration from it. Variables already set win.
func Parse(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func Load(path string) *Config {
	c, err := Parse(path)
	if err != nil {
		log.Fatal(err)
	}
	return c
}
