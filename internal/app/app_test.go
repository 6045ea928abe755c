package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpico-node/internal/clock"
	"cloudpico-node/internal/config"
	"cloudpico-node/internal/display"
	"cloudpico-node/internal/radio"
	"cloudpico-node/internal/radio/loopback"
)

func testConfig() config.Config {
	return config.Config{
		AppEnv:          "dev",
		Activation:      radio.ActivationABP,
		NetID:           radio.DefaultNetID,
		MaxJoinAttempts: 2,
		Region:          "eu868",
		DataRate:        -1,
		TxPower:         14,
		UplinkInterval:  time.Minute,
		UplinkPort:      1,
		BatteryInterval: time.Second,
		BatteryVrefMV:   1100,
		BatteryADC:      config.ADCFixed,
		BatteryRaw:      1692,
		Sensor:          config.SensorPlaceholder,
		Display:         config.DisplayConsole,
		RadioTransport:  config.TransportLoopback,
		JournalPath:     ":memory:",
		LoopInterval:    5 * time.Millisecond,
	}
}

func startAgent(t *testing.T, cfg config.Config, tr *loopback.Transport) (*Agent, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, Options{Transport: tr, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a, cancel, done
}

func TestRun_ABPSendsImmediately(t *testing.T) {
	tr := loopback.New()
	a, cancel, done := startAgent(t, testConfig(), tr)

	require.Eventually(t, func() bool { return len(tr.Sent()) >= 1 }, 2*time.Second, 5*time.Millisecond)

	sent := tr.Sent()[0]
	assert.Equal(t, byte(0x40), sent.PHYPayload[0], "unconfirmed data up")
	assert.Equal(t, 7, sent.SpreadingFactor)
	assert.Equal(t, 14, sent.TxPower)

	panel := a.Panel()
	assert.Equal(t, "Demo", panel.Text(display.MetricA))
	assert.Equal(t, "ABP", panel.Text(display.MetricB))
	assert.Equal(t, "1", panel.Text(display.Counter))
	assert.Equal(t, "3.00 V", panel.Text(display.Voltage))
	assert.True(t, a.Scheduler().Busy())

	entries, err := a.Journal().Recent(5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "856FF6F897FE007C", entries[0].Payload)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_OTAAStartsJoin(t *testing.T) {
	cfg := testConfig()
	cfg.Activation = radio.ActivationOTAA
	cfg.DevEUI = [8]byte{0, 4, 0xA3, 0x0B, 0, 0x1C, 5, 0x30}
	cfg.AppKey = [16]byte{0x2B, 0x7E, 0x15, 0x16}

	tr := loopback.New()
	a, _, _ := startAgent(t, cfg, tr)

	require.Eventually(t, func() bool { return len(tr.Sent()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, byte(0x00), tr.Sent()[0].PHYPayload[0], "join request")
	assert.Len(t, tr.Sent()[0].PHYPayload, 23)

	require.Eventually(t, func() bool {
		return a.Panel().Text(display.MetricB) == "joining"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint16(0), a.Scheduler().Sequence())

	nonce, err := a.Journal().LoadDevNonce()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), nonce)
}

func TestNew_DisplayUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.Display = config.DisplayOLED
	cfg.I2CBus = "no-such-bus"

	tr := loopback.New()
	_, err := New(context.Background(), cfg, Options{Transport: tr, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	require.ErrorIs(t, err, ErrDisplayUnavailable)
	assert.Empty(t, tr.Sent())
}

func TestNew_UnknownRegion(t *testing.T) {
	cfg := testConfig()
	cfg.Region = "xx123"

	_, err := New(context.Background(), cfg, Options{Transport: loopback.New(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	assert.Error(t, err)
}

func TestNew_SensorBusFailureClosesCleanly(t *testing.T) {
	cfg := testConfig()
	cfg.Sensor = config.SensorBME280
	cfg.I2CBus = "no-such-bus"

	tr := loopback.New()
	a, err := New(context.Background(), cfg, Options{Transport: tr, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Empty(t, tr.Sent())
}

// Drives the real stack, dispatcher and scheduler on a fake clock, jumping
// straight to each pending timer.
func TestAgent_UplinkSpacingOverStack(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := loopback.New()
	cfg := testConfig()

	a, err := New(context.Background(), cfg, Options{
		Transport: tr,
		Clock:     clk,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(a.close)

	a.battery.Poll()
	require.NoError(t, a.activate())

	var sends, completes []time.Time
	busy := a.Scheduler().Busy()
	for i := 0; i < 1000 && len(sends) < 7; i++ {
		a.battery.Poll()
		require.NoError(t, a.Stack().RunOnce(context.Background()))

		if n := len(tr.Sent()); n > len(sends) {
			sends = append(sends, clk.Now())
		}
		b := a.Scheduler().Busy()
		if busy && !b {
			completes = append(completes, clk.Now())
		}
		busy = b

		next, ok := a.Stack().NextWake()
		require.True(t, ok, "a timer is always pending")
		if next.After(clk.Now()) {
			clk.Set(next)
		}
	}

	require.Len(t, sends, 7)
	require.Len(t, completes, 6)
	for i, done := range completes {
		assert.True(t, done.After(sends[i]), "uplink %d completes after it is sent", i+1)
		gap := sends[i+1].Sub(done)
		assert.GreaterOrEqual(t, gap, cfg.UplinkInterval, "uplink %d sent %s after the previous completion", i+2, gap)
		assert.Less(t, gap, cfg.UplinkInterval+10*time.Second)
	}
	assert.Equal(t, uint16(7), a.Scheduler().Sequence())
	assert.Equal(t, "7", a.Panel().Text(display.Counter))

	entries, err := a.Journal().Recent(10)
	require.NoError(t, err)
	assert.Len(t, entries, len(sends))
}
