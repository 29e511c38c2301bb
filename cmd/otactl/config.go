package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"openenterprise/otaflash/config"
	"openenterprise/otaflash/hostflash"
)

// Config is the otactl configuration. Values come from defaults, then an
// optional YAML file, then command-line flags.
type Config struct {
	// serve
	Listen string `yaml:"listen" validate:"required,hostname_port"`
	Path   string `yaml:"path" validate:"required,startswith=/"`
	Image  string `yaml:"image"`
	Rate   int    `yaml:"rate" validate:"gte=0"`
	Chunk  int    `yaml:"chunk" validate:"gte=1,lte=4096"`

	// simulate
	Host      string        `yaml:"host" validate:"required"`
	Port      uint16        `yaml:"port" validate:"required"`
	FlashAddr uint32        `yaml:"flash_addr"`
	FlashFile string        `yaml:"flash_file" validate:"required"`
	FlashSize uint32        `yaml:"flash_size" validate:"gte=4096"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`

	// console
	Console  string `yaml:"console" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
}

func defaultConfig() Config {
	host, port := config.OTATarget()
	return Config{
		Listen:    ":8080",
		Path:      config.OTAPath(),
		Chunk:     1460,
		Host:      host,
		Port:      port,
		FlashAddr: config.FlashAddr,
		FlashFile: "flash.img",
		FlashSize: hostflash.DefaultSize,
		Timeout:   config.NetworkTimeout,
	}
}

var validate = validator.New()

// Validate checks cfg against its field tags and cross-field rules.
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
	}
	if cfg.FlashAddr%4 != 0 {
		return fmt.Errorf("invalid config: flash_addr 0x%x not word aligned", cfg.FlashAddr)
	}
	if uint64(cfg.FlashAddr) >= uint64(cfg.FlashSize) {
		return fmt.Errorf("invalid config: flash_addr 0x%x beyond flash_size %d", cfg.FlashAddr, cfg.FlashSize)
	}
	return nil
}

// loadConfigFile reads YAML from path.
func loadConfigFile(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// merge copies every non-zero field of file into cfg unless the
// corresponding flag was set on the command line.
func (cfg *Config) merge(file Config, changed func(flag string) bool) {
	take := func(flag string, nonZero bool, set func()) {
		if nonZero && !changed(flag) {
			set()
		}
	}
	take("listen", file.Listen != "", func() { cfg.Listen = file.Listen })
	take("path", file.Path != "", func() { cfg.Path = file.Path })
	take("image", file.Image != "", func() { cfg.Image = file.Image })
	take("rate", file.Rate != 0, func() { cfg.Rate = file.Rate })
	take("chunk", file.Chunk != 0, func() { cfg.Chunk = file.Chunk })
	take("host", file.Host != "", func() { cfg.Host = file.Host })
	take("port", file.Port != 0, func() { cfg.Port = file.Port })
	take("flash-addr", file.FlashAddr != 0, func() { cfg.FlashAddr = file.FlashAddr })
	take("flash-file", file.FlashFile != "", func() { cfg.FlashFile = file.FlashFile })
	take("flash-size", file.FlashSize != 0, func() { cfg.FlashSize = file.FlashSize })
	take("timeout", file.Timeout != 0, func() { cfg.Timeout = file.Timeout })
	take("console", file.Console != "", func() { cfg.Console = file.Console })
	take("password", file.Password != "", func() { cfg.Password = file.Password })
}
