package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/securevoice/pkg/call"
	"github.com/arzzra/securevoice/pkg/codec"
	"github.com/arzzra/securevoice/pkg/jitter"
	"github.com/arzzra/securevoice/pkg/network"
	"github.com/arzzra/securevoice/pkg/rtp"
	"github.com/arzzra/securevoice/pkg/srtp"
)

// Режимы работы
const (
	ModeLoopback = "loopback"
	ModePeer     = "peer"
)

// Источники тиков jitter buffer
const (
	ClockPlayback  = "playback"
	ClockMonotonic = "monotonic"
)

// Config конфигурация voicecall
type Config struct {
	Mode string `yaml:"mode"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text | json

	MetricsAddr   string        `yaml:"metrics_addr"` // Пусто = без HTTP сервера метрик
	StatsInterval time.Duration `yaml:"stats_interval"`
	Duration      time.Duration `yaml:"duration"` // 0 = до сигнала

	Codec            string  `yaml:"codec"` // PCMU | PCMA
	EchoCancellation bool    `yaml:"echo_cancellation"`
	ToneHz           float64 `yaml:"tone_hz"` // 0 = тишина в микрофон
	Muted            bool    `yaml:"muted"`
	Clock            string  `yaml:"clock"` // playback | monotonic

	Jitter JitterConfig `yaml:"jitter"`
	Peer   PeerConfig   `yaml:"peer"`
}

// JitterConfig задержки jitter buffer в кадрах
type JitterConfig struct {
	MinDelayFrames int `yaml:"min_delay_frames"`
	MaxDelayFrames int `yaml:"max_delay_frames"`
	MaxPackets     int `yaml:"max_packets"`
}

// PeerConfig параметры звонка с удаленным собеседником
type PeerConfig struct {
	LocalAddr  string `yaml:"local_addr"`
	RemoteAddr string `yaml:"remote_addr"`
	DSCP       *int   `yaml:"dscp"`

	// Общий секрет и роль, либо явные ключи обоих направлений
	Role         string  `yaml:"role"` // initiator | responder
	MasterSecret string  `yaml:"master_secret"`
	Send         KeysHex `yaml:"send"`
	Receive      KeysHex `yaml:"receive"`
}

// KeysHex ключи направления в hex
type KeysHex struct {
	CipherKey string `yaml:"cipher_key"`
	MACKey    string `yaml:"mac_key"`
	Salt      string `yaml:"salt"`
}

func (k KeysHex) empty() bool {
	return k.CipherKey == "" && k.MACKey == "" && k.Salt == ""
}

// DefaultConfig конфигурация по умолчанию: локальный звонок с тоном 440 Гц
func DefaultConfig() *Config {
	return &Config{
		Mode:             ModeLoopback,
		LogLevel:         "info",
		LogFormat:        "text",
		StatsInterval:    5 * time.Second,
		Codec:            "PCMU",
		EchoCancellation: true,
		ToneHz:           440,
		Clock:            ClockPlayback,
		Peer: PeerConfig{
			LocalAddr: "0.0.0.0:5004",
			Role:      srtp.RoleInitiator.String(),
		},
	}
}

// LoadConfig читает YAML поверх значений по умолчанию
func LoadConfig(configFile, configBody string) (*Config, error) {
	conf := DefaultConfig()

	if configBody == "" && configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("чтение конфигурации: %w", err)
		}
		configBody = string(content)
	}
	if configBody != "" {
		if err := yaml.Unmarshal([]byte(configBody), conf); err != nil {
			return nil, fmt.Errorf("разбор конфигурации: %w", err)
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLoopback:
	case ModePeer:
		if c.Peer.RemoteAddr == "" {
			return fmt.Errorf("peer.remote_addr обязателен в режиме %s", ModePeer)
		}
		if c.Peer.MasterSecret == "" && (c.Peer.Send.empty() || c.Peer.Receive.empty()) {
			return fmt.Errorf("нужен peer.master_secret или ключи peer.send и peer.receive")
		}
	default:
		return fmt.Errorf("неизвестный режим %q", c.Mode)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format должен быть text или json")
	}
	if _, err := codec.ParsePayloadType(c.Codec); err != nil {
		return err
	}
	if c.StatsInterval < 0 || c.Duration < 0 {
		return fmt.Errorf("интервалы не могут быть отрицательными")
	}
	if c.Clock != ClockPlayback && c.Clock != ClockMonotonic {
		return fmt.Errorf("clock должен быть %s или %s", ClockPlayback, ClockMonotonic)
	}
	if c.ToneHz < 0 {
		return fmt.Errorf("tone_hz не может быть отрицательным")
	}

	check := c.jitterConfig()
	check.Decoder = codec.NewG711(codec.MuLaw)
	check.FrameSamples = codec.FrameSamples
	return check.Validate()
}

// NewLogger настраивает logrus по конфигурации
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, _ := logrus.ParseLevel(c.LogLevel)
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// newClock часы jitter buffer; у каждого звонка свои
func (c *Config) newClock() call.Clock {
	if c.Clock == ClockMonotonic {
		return call.NewMonotonicClock()
	}
	return call.NewFrameClock(codec.SampleRate)
}

func (c *Config) payloadType() rtp.PayloadType {
	pt, _ := codec.ParsePayloadType(c.Codec)
	return pt
}

// jitterConfig без Decoder: его подставляет менеджер звонка
func (c *Config) jitterConfig() jitter.Config {
	config := jitter.Config{
		MinDelayFrames: c.Jitter.MinDelayFrames,
		MaxDelayFrames: c.Jitter.MaxDelayFrames,
		MaxPackets:     c.Jitter.MaxPackets,
	}
	config.ApplyDefaults()
	return config
}

func (c *Config) socketConfig(localAddr string) network.SocketConfig {
	config := network.DefaultSocketConfig()
	config.LocalAddr = localAddr
	if c.Peer.DSCP != nil {
		config.DSCP = *c.Peer.DSCP
	}
	return config
}

// streamParameters ключи звонка с собеседником
func (p *PeerConfig) streamParameters() (send, recv srtp.StreamParameters, err error) {
	if p.MasterSecret != "" {
		secret, err := hex.DecodeString(p.MasterSecret)
		if err != nil {
			return send, recv, fmt.Errorf("peer.master_secret: %w", err)
		}
		role, err := parseRole(p.Role)
		if err != nil {
			return send, recv, err
		}
		return srtp.DeriveStreamParameters(secret, role)
	}

	send, err = srtp.ParseHexStreamParameters(p.Send.CipherKey, p.Send.MACKey, p.Send.Salt)
	if err != nil {
		return send, recv, fmt.Errorf("peer.send: %w", err)
	}
	recv, err = srtp.ParseHexStreamParameters(p.Receive.CipherKey, p.Receive.MACKey, p.Receive.Salt)
	if err != nil {
		return send, recv, fmt.Errorf("peer.receive: %w", err)
	}
	return send, recv, nil
}

func parseRole(name string) (srtp.Role, error) {
	switch name {
	case "", srtp.RoleInitiator.String():
		return srtp.RoleInitiator, nil
	case srtp.RoleResponder.String():
		return srtp.RoleResponder, nil
	}
	return 0, fmt.Errorf("неизвестная роль %q", name)
}
