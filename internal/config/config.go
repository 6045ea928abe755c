package config

import (
	"encoding"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brocaar/lorawan"

	"cloudpico-node/internal/radio"
)

const (
	TransportLoopback = "loopback"
	TransportMQTT     = "mqtt"
	TransportRYLR896  = "rylr896"

	SensorPlaceholder = "placeholder"
	SensorBME280      = "bme280"

	DisplayConsole = "console"
	DisplayOLED    = "oled"

	ADCFixed   = "fixed"
	ADCADS1115 = "ads1115"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level

	Activation radio.Activation
	// ABP
	NetID   lorawan.NetID
	DevAddr lorawan.DevAddr
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key
	// OTAA
	DevEUI          lorawan.EUI64
	JoinEUI         lorawan.EUI64
	AppKey          lorawan.AES128Key
	MaxJoinAttempts int

	Region         string
	RegionPlanFile string
	DataRate       int // -1 selects the fastest 125 kHz rate
	TxPower        int

	UplinkInterval  time.Duration
	UplinkPort      uint8
	UplinkConfirmed bool

	BatteryInterval time.Duration
	BatteryVrefMV   int
	BatteryADC      string
	BatteryRaw      int

	I2CBus         string
	Sensor         string
	BME280Address  uint16
	Display        string
	DisplayRotated bool

	RadioTransport  string
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	SerialPort         string
	SerialBaud         int
	RYLRAddress        uint16
	RYLRNetworkID      uint8
	RYLRGatewayAddress uint16

	JournalPath   string
	JournalLogSQL bool

	HTTPAddr     string
	LoopInterval time.Duration
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func oneOf(key, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (allowed: %s)", key, v, strings.Join(allowed, ", "))
}

func intEnv(key, def string) (int, error) {
	s := getenv(key, def)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func uintEnv(key, def string, bits int) (uint64, error) {
	s := getenv(key, def)
	n, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func boolEnv(key, def string) (bool, error) {
	s := getenv(key, def)
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return b, nil
}

func durationEnv(key, def string) (time.Duration, error) {
	s := getenv(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

// textEnv parses a hex key, EUI or address. required fails on an empty
// variable instead of keeping the zero value.
func textEnv(key string, dst encoding.TextUnmarshaler, required bool) error {
	s := getenv(key, "")
	if s == "" {
		if required {
			return fmt.Errorf("%s is required", key)
		}
		return nil
	}
	if err := dst.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return nil
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	var err error

	cfg.AppEnv = getenv("APP_ENV", "dev")
	if err := oneOf("APP_ENV", cfg.AppEnv, "dev", "prod"); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(getenv("LOG_LEVEL", "info")); err != nil {
		return Config{}, err
	}

	cfg.Activation = radio.Activation(strings.ToLower(getenv("ACTIVATION", string(radio.ActivationABP))))
	switch cfg.Activation {
	case radio.ActivationABP:
		// zero keys are the placeholder of a development node
		required := cfg.AppEnv == "prod"
		cfg.NetID = radio.DefaultNetID
		if err := textEnv("NET_ID", &cfg.NetID, false); err != nil {
			return Config{}, err
		}
		if err := textEnv("DEV_ADDR", &cfg.DevAddr, required); err != nil {
			return Config{}, err
		}
		if err := textEnv("NWK_SKEY", &cfg.NwkSKey, required); err != nil {
			return Config{}, err
		}
		if err := textEnv("APP_SKEY", &cfg.AppSKey, required); err != nil {
			return Config{}, err
		}
	case radio.ActivationOTAA:
		if err := textEnv("DEV_EUI", &cfg.DevEUI, true); err != nil {
			return Config{}, err
		}
		if err := textEnv("JOIN_EUI", &cfg.JoinEUI, false); err != nil {
			return Config{}, err
		}
		if err := textEnv("APP_KEY", &cfg.AppKey, true); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("invalid ACTIVATION %q (allowed: abp, otaa)", cfg.Activation)
	}
	if cfg.MaxJoinAttempts, err = intEnv("MAX_JOIN_ATTEMPTS", "8"); err != nil {
		return Config{}, err
	}
	if cfg.MaxJoinAttempts <= 0 {
		return Config{}, fmt.Errorf("MAX_JOIN_ATTEMPTS must be positive, got %d", cfg.MaxJoinAttempts)
	}

	cfg.Region = strings.ToLower(getenv("REGION", "eu868"))
	cfg.RegionPlanFile = getenv("REGION_PLAN_FILE", "")
	if cfg.DataRate, err = intEnv("DATA_RATE", "-1"); err != nil {
		return Config{}, err
	}
	if cfg.TxPower, err = intEnv("TX_POWER", "16"); err != nil {
		return Config{}, err
	}

	if cfg.UplinkInterval, err = durationEnv("UPLINK_INTERVAL", "60s"); err != nil {
		return Config{}, err
	}
	port, err := uintEnv("UPLINK_PORT", "1", 8)
	if err != nil {
		return Config{}, err
	}
	if port == 0 || port > 223 {
		return Config{}, fmt.Errorf("UPLINK_PORT must be within 1..223, got %d", port)
	}
	cfg.UplinkPort = uint8(port)
	if cfg.UplinkConfirmed, err = boolEnv("UPLINK_CONFIRMED", "false"); err != nil {
		return Config{}, err
	}

	if cfg.BatteryInterval, err = durationEnv("BATTERY_INTERVAL", "1s"); err != nil {
		return Config{}, err
	}
	if cfg.BatteryVrefMV, err = intEnv("BATTERY_VREF_MV", "1100"); err != nil {
		return Config{}, err
	}
	cfg.BatteryADC = strings.ToLower(getenv("BATTERY_ADC", ADCFixed))
	if err := oneOf("BATTERY_ADC", cfg.BatteryADC, ADCFixed, ADCADS1115); err != nil {
		return Config{}, err
	}
	if cfg.BatteryRaw, err = intEnv("BATTERY_RAW", "1692"); err != nil {
		return Config{}, err
	}
	if cfg.BatteryRaw < 0 || cfg.BatteryRaw > 4095 {
		return Config{}, fmt.Errorf("BATTERY_RAW must be within 0..4095, got %d", cfg.BatteryRaw)
	}

	cfg.I2CBus = getenv("I2C_BUS", "")
	cfg.Sensor = strings.ToLower(getenv("SENSOR", SensorPlaceholder))
	if err := oneOf("SENSOR", cfg.Sensor, SensorPlaceholder, SensorBME280); err != nil {
		return Config{}, err
	}
	addr, err := uintEnv("BME280_ADDRESS", "0x76", 16)
	if err != nil {
		return Config{}, err
	}
	cfg.BME280Address = uint16(addr)
	cfg.Display = strings.ToLower(getenv("DISPLAY", DisplayConsole))
	if err := oneOf("DISPLAY", cfg.Display, DisplayConsole, DisplayOLED); err != nil {
		return Config{}, err
	}
	if cfg.DisplayRotated, err = boolEnv("DISPLAY_ROTATED", "true"); err != nil {
		return Config{}, err
	}

	cfg.RadioTransport = strings.ToLower(getenv("RADIO_TRANSPORT", TransportLoopback))
	if err := oneOf("RADIO_TRANSPORT", cfg.RadioTransport, TransportLoopback, TransportMQTT, TransportRYLR896); err != nil {
		return Config{}, err
	}
	cfg.MQTTBroker = getenv("MQTT_BROKER", "localhost")
	if cfg.MQTTPort, err = intEnv("MQTT_PORT", "1883"); err != nil {
		return Config{}, err
	}
	cfg.MQTTClientID = getenv("MQTT_CLIENT_ID", "cloudpico-node")
	cfg.MQTTTopicPrefix = getenv("MQTT_TOPIC_PREFIX", "lora")

	cfg.SerialPort = getenv("SERIAL_PORT", "/dev/ttyUSB0")
	if cfg.SerialBaud, err = intEnv("SERIAL_BAUD", "115200"); err != nil {
		return Config{}, err
	}
	v, err := uintEnv("RYLR_ADDRESS", "1", 16)
	if err != nil {
		return Config{}, err
	}
	cfg.RYLRAddress = uint16(v)
	if v, err = uintEnv("RYLR_NETWORK_ID", "18", 8); err != nil {
		return Config{}, err
	}
	cfg.RYLRNetworkID = uint8(v)
	if v, err = uintEnv("RYLR_GATEWAY_ADDRESS", "0", 16); err != nil {
		return Config{}, err
	}
	cfg.RYLRGatewayAddress = uint16(v)

	cfg.JournalPath = getenv("JOURNAL_PATH", "data/journal.db")
	if cfg.JournalLogSQL, err = boolEnv("JOURNAL_LOG_SQL", "false"); err != nil {
		return Config{}, err
	}

	// empty disables the status server
	cfg.HTTPAddr = strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if cfg.LoopInterval, err = durationEnv("LOOP_INTERVAL", "10ms"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Credentials returns the OTAA root keys, or nil under ABP.
func (c Config) Credentials() *radio.Credentials {
	if c.Activation != radio.ActivationOTAA {
		return nil
	}
	return &radio.Credentials{DevEUI: c.DevEUI, JoinEUI: c.JoinEUI, AppKey: c.AppKey}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
