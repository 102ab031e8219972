package common

import (
	"os"
	"time"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SCHEDULER"

const (
	StoreMemory = "memory"
	StoreMysql  = "mysql"
)

type Config struct {
	Port     int    `yaml:"port" split_words:"true"`
	LogLevel string `yaml:"log_level" split_words:"true"`

	Store struct {
		Driver string `yaml:"driver"`
	} `yaml:"store"`

	Mysql Mysql `yaml:"mysql"`

	// AdminUsers bypass every stage approval.
	AdminUsers []string `yaml:"admin_users" split_words:"true"`

	Approval Approval `yaml:"approval"`

	Retarder struct {
		Enable     bool  `yaml:"enable"`
		BufferSize int64 `yaml:"buffer_size" split_words:"true"`
		Delay      int64 `yaml:"delay"`
	} `yaml:"retarder"`

	Dispatcher struct {
		Parallel   int      `yaml:"parallel"`
		BufferSize int      `yaml:"buffer_size" split_words:"true"`
		Hooks      []string `yaml:"hooks"`
	} `yaml:"dispatcher"`

	Pipelines []v1alpha1.PipelineConfig `yaml:"pipelines" ignored:"true"`
}

type Mysql struct {
	Host         string `yaml:"host"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"db" envconfig:"db"`
	MaxOpenConns int    `yaml:"max_open_conns" split_words:"true"`
	Migrate      bool   `yaml:"migrate"`
}

type Approval struct {
	// URL is joined with the pipeline name, e.g. http://workflow/api/v1/approve/.
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max" split_words:"true"`

	Cache struct {
		Enable bool          `yaml:"enable"`
		Size   int           `yaml:"size"`
		TTL    time.Duration `yaml:"ttl"`
	} `yaml:"cache"`
}

func GetConfig(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "fail get config file")
	}

	conf := &Config{}
	err = yaml.Unmarshal(body, conf)
	if err != nil {
		return nil, errors.Wrap(err, "fail unmarshal config file")
	}

	err = envconfig.Process(envPrefix, conf)
	if err != nil {
		return nil, errors.Wrap(err, "fail process config env")
	}

	conf.defaults()
	if err = conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) defaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if len(c.AdminUsers) == 0 {
		c.AdminUsers = []string{"admin"}
	}
	if c.Approval.Timeout <= 0 {
		c.Approval.Timeout = 5 * time.Second
	}
	if c.Approval.Cache.Size <= 0 {
		c.Approval.Cache.Size = 1024
	}
	if c.Approval.Cache.TTL <= 0 {
		c.Approval.Cache.TTL = 30 * time.Second
	}
	if c.Retarder.BufferSize <= 0 {
		c.Retarder.BufferSize = 60
	}
	if c.Retarder.Delay <= 0 {
		c.Retarder.Delay = 5
	}
	if c.Dispatcher.Parallel <= 0 {
		c.Dispatcher.Parallel = 4
	}
	if c.Dispatcher.BufferSize <= 0 {
		c.Dispatcher.BufferSize = 1000
	}
}

// Validate checks the static pipeline configuration and store settings.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory, StoreMysql:
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Retarder.Enable && c.Retarder.Delay >= c.Retarder.BufferSize {
		return errors.Errorf("retarder delay %d must be less than buffer size %d", c.Retarder.Delay, c.Retarder.BufferSize)
	}

	pipelines := make(map[string]struct{}, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if p.Name == "" {
			return errors.New(errors.KindInternal, "pipeline without name")
		}
		if _, ok := pipelines[p.Name]; ok {
			return errors.Errorf("duplicate pipeline %q", p.Name)
		}
		pipelines[p.Name] = struct{}{}

		stages := make(map[string]struct{}, len(p.Stages))
		for _, s := range p.Stages {
			if s.Name == "" {
				return errors.Errorf("pipeline %q has a stage without name", p.Name)
			}
			if _, ok := stages[s.Name]; ok {
				return errors.Errorf("pipeline %q has duplicate stage %q", p.Name, s.Name)
			}
			stages[s.Name] = struct{}{}
			if !s.Approval.Type.Valid() {
				return errors.Errorf("stage %s/%s has unknown approval type %q", p.Name, s.Name, s.Approval.Type)
			}
		}
	}
	return nil
}

// IsAdmin reports whether name is a configured administrator.
func (c *Config) IsAdmin(name string) bool {
	for _, admin := range c.AdminUsers {
		if admin == name {
			return true
		}
	}
	return false
}
