package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/brocaar/lorawan"

	"cloudpico-node/internal/radio"
)

var allVars = []string{
	"APP_ENV", "LOG_LEVEL", "ACTIVATION", "NET_ID", "DEV_ADDR", "NWK_SKEY", "APP_SKEY",
	"DEV_EUI", "JOIN_EUI", "APP_KEY", "MAX_JOIN_ATTEMPTS", "REGION", "REGION_PLAN_FILE",
	"DATA_RATE", "TX_POWER", "UPLINK_INTERVAL", "UPLINK_PORT", "UPLINK_CONFIRMED",
	"BATTERY_INTERVAL", "BATTERY_VREF_MV", "BATTERY_ADC", "BATTERY_RAW", "I2C_BUS", "SENSOR",
	"BME280_ADDRESS", "DISPLAY", "DISPLAY_ROTATED", "RADIO_TRANSPORT", "MQTT_BROKER",
	"MQTT_PORT", "MQTT_CLIENT_ID", "MQTT_TOPIC_PREFIX", "SERIAL_PORT", "SERIAL_BAUD",
	"RYLR_ADDRESS", "RYLR_NETWORK_ID", "RYLR_GATEWAY_ADDRESS", "JOURNAL_PATH",
	"JOURNAL_LOG_SQL", "HTTP_ADDR", "LOOP_INTERVAL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allVars {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v, want nil", err)
	}

	if got.AppEnv != "dev" {
		t.Errorf("AppEnv = %q, want dev", got.AppEnv)
	}
	if got.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", got.LogLevel)
	}
	if got.Activation != radio.ActivationABP {
		t.Errorf("Activation = %q, want abp", got.Activation)
	}
	if got.NetID != radio.DefaultNetID {
		t.Errorf("NetID = %s, want %s", got.NetID, radio.DefaultNetID)
	}
	if got.UplinkInterval != 60*time.Second {
		t.Errorf("UplinkInterval = %v, want 60s", got.UplinkInterval)
	}
	if got.BatteryInterval != time.Second {
		t.Errorf("BatteryInterval = %v, want 1s", got.BatteryInterval)
	}
	if got.UplinkPort != 1 || got.UplinkConfirmed {
		t.Errorf("uplink port/confirmed = %d/%v, want 1/false", got.UplinkPort, got.UplinkConfirmed)
	}
	if got.BatteryVrefMV != 1100 {
		t.Errorf("BatteryVrefMV = %d, want 1100", got.BatteryVrefMV)
	}
	if got.DataRate != -1 || got.TxPower != 16 {
		t.Errorf("DataRate/TxPower = %d/%d, want -1/16", got.DataRate, got.TxPower)
	}
	if got.Region != "eu868" || got.RadioTransport != TransportLoopback {
		t.Errorf("Region/Transport = %q/%q", got.Region, got.RadioTransport)
	}
	if got.BME280Address != 0x76 || !got.DisplayRotated {
		t.Errorf("BME280Address/DisplayRotated = %#x/%v", got.BME280Address, got.DisplayRotated)
	}
	if got.HTTPAddr != "" {
		t.Errorf("HTTPAddr = %q, want empty", got.HTTPAddr)
	}
	if got.Credentials() != nil {
		t.Error("Credentials() should be nil under ABP")
	}
}

func TestLoadFromEnv_ABPKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEV_ADDR", "26011BDA")
	t.Setenv("NWK_SKEY", "2B7E151628AED2A6ABF7158809CF4F3C")
	t.Setenv("APP_SKEY", "000102030405060708090A0B0C0D0E0F")
	t.Setenv("NET_ID", "000001")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if got.DevAddr != (lorawan.DevAddr{0x26, 0x01, 0x1B, 0xDA}) {
		t.Errorf("DevAddr = %s", got.DevAddr)
	}
	if got.NwkSKey[0] != 0x2B || got.AppSKey[15] != 0x0F {
		t.Errorf("keys = %s / %s", got.NwkSKey, got.AppSKey)
	}
	if got.NetID != (lorawan.NetID{0, 0, 1}) {
		t.Errorf("NetID = %s", got.NetID)
	}
}

func TestLoadFromEnv_ProdRequiresABPKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "prod")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("LoadFromEnv() error = nil, want missing DEV_ADDR")
	}
}

func TestLoadFromEnv_OTAA(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACTIVATION", "OTAA")
	t.Setenv("DEV_EUI", "0004A30B001C0530")
	t.Setenv("APP_KEY", "2B7E151628AED2A6ABF7158809CF4F3C")
	t.Setenv("MAX_JOIN_ATTEMPTS", "3")

	got, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	creds := got.Credentials()
	if creds == nil {
		t.Fatal("Credentials() = nil")
	}
	if creds.DevEUI != (lorawan.EUI64{0x00, 0x04, 0xA3, 0x0B, 0x00, 0x1C, 0x05, 0x30}) {
		t.Errorf("DevEUI = %s", creds.DevEUI)
	}
	if creds.JoinEUI != (lorawan.EUI64{}) {
		t.Errorf("JoinEUI = %s, want zero", creds.JoinEUI)
	}
	if got.MaxJoinAttempts != 3 {
		t.Errorf("MaxJoinAttempts = %d, want 3", got.MaxJoinAttempts)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"app env", "APP_ENV", "staging"},
		{"log level", "LOG_LEVEL", "verbose"},
		{"activation", "ACTIVATION", "manual"},
		{"dev addr", "DEV_ADDR", "xyz"},
		{"nwk skey short", "NWK_SKEY", "2B7E"},
		{"join attempts", "MAX_JOIN_ATTEMPTS", "0"},
		{"data rate", "DATA_RATE", "fast"},
		{"interval", "UPLINK_INTERVAL", "soon"},
		{"interval negative", "UPLINK_INTERVAL", "-5s"},
		{"port zero", "UPLINK_PORT", "0"},
		{"port reserved", "UPLINK_PORT", "224"},
		{"confirmed", "UPLINK_CONFIRMED", "maybe"},
		{"battery adc", "BATTERY_ADC", "ina219"},
		{"battery raw", "BATTERY_RAW", "5000"},
		{"sensor", "SENSOR", "dht22"},
		{"bme address", "BME280_ADDRESS", "0xZZ"},
		{"display", "DISPLAY", "lcd"},
		{"transport", "RADIO_TRANSPORT", "udp"},
		{"mqtt port", "MQTT_PORT", "abc"},
		{"network id", "RYLR_NETWORK_ID", "300"},
		{"loop interval", "LOOP_INTERVAL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("LoadFromEnv() with %s=%q: error = nil", tt.key, tt.val)
			}
		})
	}
}

func TestLoadFromEnv_OTAAMissingKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACTIVATION", "otaa")
	t.Setenv("DEV_EUI", "0004A30B001C0530")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("LoadFromEnv() error = nil, want missing APP_KEY")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warning ", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}
