package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"periph.io/x/conn/v3/i2c"

	"cloudpico-node/internal/battery"
	"cloudpico-node/internal/clock"
	"cloudpico-node/internal/config"
	"cloudpico-node/internal/dispatch"
	"cloudpico-node/internal/display"
	"cloudpico-node/internal/httpapi"
	"cloudpico-node/internal/journal"
	"cloudpico-node/internal/periphbus"
	"cloudpico-node/internal/radio"
	"cloudpico-node/internal/radio/loopback"
	"cloudpico-node/internal/radio/mac"
	"cloudpico-node/internal/radio/mqttbridge"
	"cloudpico-node/internal/radio/rylr896"
	"cloudpico-node/internal/region"
	"cloudpico-node/internal/scheduler"
	"cloudpico-node/internal/sensor"
)

// ErrDisplayUnavailable is returned when the operator display cannot be
// initialised. Nothing is transmitted in that case.
var ErrDisplayUnavailable = display.ErrDisplayUnavailable

// Options replace hardware and time for tests and dry runs. Zero values
// select what the configuration asks for.
type Options struct {
	Transport radio.Transport
	Display   display.Sink
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Agent is the wired node.
type Agent struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clock.Clock

	bus       i2c.BusCloser
	panel     *display.Panel
	sink      display.Sink
	transport radio.Transport
	stack     *mac.Stack
	journal   *journal.Journal
	battery   *battery.Monitor
	sched     *scheduler.Scheduler
	http      *http.Server

	closers []io.Closer
}

func Run(ctx context.Context, cfg config.Config) error {
	a, err := New(ctx, cfg, Options{})
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// New builds every component. On error anything already opened is closed.
func New(ctx context.Context, cfg config.Config, opts Options) (*Agent, error) {
	a := &Agent{
		cfg:    cfg,
		logger: opts.Logger,
		clock:  opts.Clock,
		panel:  display.NewPanel(),
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.clock == nil {
		a.clock = clock.Wall
	}
	if err := a.build(ctx, opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *Agent) build(ctx context.Context, opts Options) error {
	cfg := a.cfg
	a.logger.Info("initializing node",
		"activation", cfg.Activation,
		"region", cfg.Region,
		"transport", cfg.RadioTransport,
		"display", cfg.Display,
		"sensor", cfg.Sensor,
	)

	// The display comes first so a missing panel stops us before any
	// radio activity.
	if err := a.initDisplay(opts.Display); err != nil {
		return err
	}
	a.sink.Render(display.MetricA, "Demo", display.AlignCenter)
	switch cfg.Activation {
	case radio.ActivationOTAA:
		a.sink.Render(display.MetricB, "OTAA", display.AlignCenter)
	default:
		a.sink.Render(display.MetricB, "ABP", display.AlignCenter)
	}

	plan, err := loadPlan(cfg)
	if err != nil {
		return err
	}

	a.journal, err = journal.Open(journal.Config{Path: cfg.JournalPath, LogSQL: cfg.JournalLogSQL}, a.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	a.closers = append(a.closers, a.journal)

	adc, err := a.initADC()
	if err != nil {
		return err
	}
	a.battery = battery.NewMonitor(adc, battery.Options{
		Interval: cfg.BatteryInterval,
		VrefMV:   cfg.BatteryVrefMV,
	}, a.clock, a.sink, a.logger)

	sensors, err := a.initSensor()
	if err != nil {
		return err
	}

	a.transport = opts.Transport
	if a.transport == nil {
		if a.transport, err = a.initTransport(ctx, plan); err != nil {
			return err
		}
	}
	a.closers = append(a.closers, a.transport)

	a.stack, err = mac.New(a.transport, mac.Config{
		Plan:            plan,
		DataRate:        cfg.DataRate,
		TxPower:         cfg.TxPower,
		MaxJoinAttempts: cfg.MaxJoinAttempts,
		Credentials:     cfg.Credentials(),
		Nonces:          a.journal,
		Clock:           a.clock,
		Logger:          a.logger,
	})
	if err != nil {
		return fmt.Errorf("radio stack: %w", err)
	}

	lastSeq, err := a.journal.LastSequence()
	if err != nil {
		return err
	}
	a.sched, err = scheduler.New(scheduler.Deps{
		Radio:    a.stack,
		Clock:    a.clock,
		Sensors:  sensors,
		Battery:  a.battery,
		Display:  a.sink,
		Recorder: a.journal,
		Logger:   a.logger,
	}, scheduler.Options{
		Port:            cfg.UplinkPort,
		Confirmed:       cfg.UplinkConfirmed,
		Interval:        cfg.UplinkInterval,
		InitialSequence: lastSeq,
	})
	if err != nil {
		return err
	}

	d := dispatch.New(a.sched, a.sink, a.clock, a.logger)
	a.stack.OnEvent(d.Handle)

	if cfg.HTTPAddr != "" {
		mux := httpapi.NewMux(httpapi.Deps{
			Journal:   a.journal,
			History:   a.journal,
			Radio:     a.stack,
			Scheduler: a.sched,
			Battery:   a.battery,
			Panel:     a.panel,
			Clock:     a.clock,
			Started:   a.clock.Now(),
			Logger:    a.logger,
		})
		a.http = httpapi.NewServer(cfg.HTTPAddr, mux, a.logger)
	}
	return nil
}

func loadPlan(cfg config.Config) (region.Plan, error) {
	if cfg.RegionPlanFile != "" {
		return region.LoadFile(cfg.RegionPlanFile)
	}
	return region.Load(cfg.Region)
}

func (a *Agent) i2cBus() (i2c.Bus, error) {
	if a.bus != nil {
		return a.bus, nil
	}
	bus, err := periphbus.Open(a.cfg.I2CBus)
	if err != nil {
		return nil, err
	}
	a.bus = bus
	return bus, nil
}

func (a *Agent) initDisplay(override display.Sink) error {
	var hw display.Sink
	switch {
	case override != nil:
		hw = override
	case a.cfg.Display == config.DisplayOLED:
		bus, err := a.i2cBus()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
		}
		oled, err := display.NewOLED(bus, a.cfg.DisplayRotated, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, oled)
		hw = oled
	default:
		hw = display.NewConsole(a.logger)
	}
	a.sink = display.Multi(hw, a.panel)
	return nil
}

func (a *Agent) initADC() (battery.ADC, error) {
	if a.cfg.BatteryADC != config.ADCADS1115 {
		return battery.Fixed(a.cfg.BatteryRaw), nil
	}
	bus, err := a.i2cBus()
	if err != nil {
		return nil, err
	}
	adc, err := battery.NewADS1115(bus)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, adc)
	return adc, nil
}

func (a *Agent) initSensor() (sensor.Source, error) {
	if a.cfg.Sensor != config.SensorBME280 {
		return sensor.NewPlaceholder(), nil
	}
	bus, err := a.i2cBus()
	if err != nil {
		return nil, err
	}
	s, err := sensor.NewBME280(bus, a.cfg.BME280Address)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s)
	return s, nil
}

func (a *Agent) initTransport(ctx context.Context, plan region.Plan) (radio.Transport, error) {
	cfg := a.cfg
	switch cfg.RadioTransport {
	case config.TransportMQTT:
		c, err := mqttbridge.NewClient(mqttbridge.Config{
			Broker:      cfg.MQTTBroker,
			Port:        cfg.MQTTPort,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		// Uplinks queued before the broker answers fail with a TxError and
		// are retried one interval later.
		go func() {
			if err := c.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("mqtt connect failed", "error", err)
			}
		}()
		return c, nil

	case config.TransportRYLR896:
		var freq uint32
		if len(plan.Channels) > 0 {
			freq = plan.Channels[0].Frequency
		}
		return rylr896.Open(ctx, rylr896.Config{
			Port:      cfg.SerialPort,
			Baud:      cfg.SerialBaud,
			Address:   cfg.RYLRAddress,
			NetworkID: cfg.RYLRNetworkID,
			Gateway:   cfg.RYLRGatewayAddress,
			Frequency: freq,
			TxPower:   cfg.TxPower,
		}, a.logger)

	default:
		return loopback.New(), nil
	}
}

// Stack exposes the radio stack, mainly for tests.
func (a *Agent) Stack() *mac.Stack { return a.stack }

func (a *Agent) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *Agent) Panel() *display.Panel { return a.panel }

func (a *Agent) Journal() *journal.Journal { return a.journal }

// Run activates the session and drives the cooperative loop until ctx is
// cancelled. All components are closed on return.
func (a *Agent) Run(ctx context.Context) error {
	defer a.close()

	if a.http != nil {
		go func() {
			a.logger.Info("status server listening", "addr", a.http.Addr)
			if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("status server failed", "error", err)
			}
		}()
	}

	// a first sample so the first uplink carries a voltage
	a.battery.Poll()

	if err := a.activate(); err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		a.battery.Poll()
		if err := a.stack.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			a.logger.Error("radio loop", "error", err)
		}

		select {
		case <-ctx.Done():
			a.logger.Info("node shutting down", "sequence", a.sched.Sequence())
			return ctx.Err()
		case <-ticker.C:
		}
	}
	a.logger.Info("node shutting down", "sequence", a.sched.Sequence())
	return ctx.Err()
}

func (a *Agent) activate() error {
	switch a.cfg.Activation {
	case radio.ActivationOTAA:
		a.stack.Reset()
		if err := a.stack.StartJoin(); err != nil {
			return fmt.Errorf("start join: %w", err)
		}
	default:
		a.stack.Reset()
		a.stack.ConfigureFixedSession(a.cfg.NetID, a.cfg.DevAddr, a.cfg.NwkSKey, a.cfg.AppSKey)
		a.sched.TrySend()
	}
	return nil
}

func (a *Agent) close() {
	if a.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.http.Shutdown(ctx); err != nil {
			a.logger.Warn("status server shutdown", "error", err)
		}
		cancel()
		a.http = nil
	}
	// reverse order of opening
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close", "error", err)
		}
	}
	a.closers = nil
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("close i2c bus", "error", err)
		}
		a.bus = nil
	}
}
