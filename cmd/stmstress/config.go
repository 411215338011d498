package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/naoina/toml"
	"gopkg.in/urfave/cli.v1"

	"go-stm/stm"
)

const (
	modePlain   = "plain"
	modeCommute = "commute"
	modeRetry   = "retry"

	engineSTM       = "stm"
	engineAnacrolix = "anacrolix"
)

// Ключи TOML совпадают с именами полей структур.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

type workloadConfig struct {
	Goroutines int
	// Ops — число транзакций на одну горутину.
	Ops  int
	Refs int
	Mode string
	// Rate — транзакций в секунду на горутину, 0 без ограничения.
	Rate float64
}

type engineConfig struct {
	Name       string
	MaxRetries int
	// Timeout в формате time.ParseDuration, пустая строка без таймаута.
	Timeout             string
	ReadBiasedThreshold int
	SpinCount           int
}

type stressConfig struct {
	Workload workloadConfig
	Engine   engineConfig
}

func defaultStressConfig() stressConfig {
	tx := stm.DefaultTxConfig()
	return stressConfig{
		Workload: workloadConfig{
			Goroutines: 8,
			Ops:        1000,
			Refs:       4,
			Mode:       modePlain,
		},
		Engine: engineConfig{
			Name:                engineSTM,
			MaxRetries:          tx.MaxRetries,
			ReadBiasedThreshold: stm.DefaultReadBiasedThreshold,
			SpinCount:           16,
		},
	}
}

func loadConfig(file string, cfg *stressConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// имя файла к ошибкам с номером строки
	var lineErr *toml.LineError
	if errors.As(err, &lineErr) {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig собирает конфигурацию: значения по умолчанию, затем файл,
// затем явно заданные флаги.
func makeConfig(ctx *cli.Context) (stressConfig, error) {
	cfg := defaultStressConfig()

	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}

	if ctx.GlobalIsSet(goroutinesFlag.Name) {
		cfg.Workload.Goroutines = ctx.GlobalInt(goroutinesFlag.Name)
	}
	if ctx.GlobalIsSet(opsFlag.Name) {
		cfg.Workload.Ops = ctx.GlobalInt(opsFlag.Name)
	}
	if ctx.GlobalIsSet(refsFlag.Name) {
		cfg.Workload.Refs = ctx.GlobalInt(refsFlag.Name)
	}
	if ctx.GlobalIsSet(modeFlag.Name) {
		cfg.Workload.Mode = ctx.GlobalString(modeFlag.Name)
	}
	if ctx.GlobalIsSet(rateFlag.Name) {
		cfg.Workload.Rate = ctx.GlobalFloat64(rateFlag.Name)
	}
	if ctx.GlobalIsSet(engineFlag.Name) {
		cfg.Engine.Name = ctx.GlobalString(engineFlag.Name)
	}
	if ctx.GlobalIsSet(maxRetriesFlag.Name) {
		cfg.Engine.MaxRetries = ctx.GlobalInt(maxRetriesFlag.Name)
	}
	if ctx.GlobalIsSet(timeoutFlag.Name) {
		cfg.Engine.Timeout = ctx.GlobalString(timeoutFlag.Name)
	}
	if ctx.GlobalIsSet(thresholdFlag.Name) {
		cfg.Engine.ReadBiasedThreshold = ctx.GlobalInt(thresholdFlag.Name)
	}
	if ctx.GlobalIsSet(spinFlag.Name) {
		cfg.Engine.SpinCount = ctx.GlobalInt(spinFlag.Name)
	}

	return cfg, cfg.validate()
}

func (c *stressConfig) validate() error {
	if c.Workload.Goroutines <= 0 {
		return fmt.Errorf("goroutines must be positive, got %d", c.Workload.Goroutines)
	}
	if c.Workload.Ops < 0 {
		return fmt.Errorf("ops must not be negative, got %d", c.Workload.Ops)
	}
	if c.Workload.Refs <= 0 {
		return fmt.Errorf("refs must be positive, got %d", c.Workload.Refs)
	}
	switch c.Workload.Mode {
	case modePlain, modeCommute, modeRetry:
	default:
		return fmt.Errorf("unknown mode %q", c.Workload.Mode)
	}
	switch c.Engine.Name {
	case engineSTM, engineAnacrolix:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine.Name)
	}
	if c.Workload.Mode == modeCommute && c.Engine.Name == engineAnacrolix {
		return errors.New("commute mode is not supported by the anacrolix engine")
	}
	if _, err := c.timeout(); err != nil {
		return err
	}
	return nil
}

func (c *stressConfig) timeout() (time.Duration, error) {
	if c.Engine.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Engine.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout: %w", err)
	}
	return d, nil
}

func (c *stressConfig) stmOptions() []stm.Option {
	timeout, _ := c.timeout()
	return []stm.Option{
		stm.WithReadBiasedThreshold(c.Engine.ReadBiasedThreshold),
		stm.WithSpinCount(c.Engine.SpinCount),
		stm.WithTxDefaults(
			stm.WithMaxRetries(c.Engine.MaxRetries),
			stm.WithTimeout(timeout),
			stm.WithInterruptible(true),
			stm.WithFamilyName("stmstress/"+c.Workload.Mode),
		),
	}
}
