package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/banshee-data/coinsorter/internal/api"
	"github.com/banshee-data/coinsorter/internal/catalog"
	"github.com/banshee-data/coinsorter/internal/coin"
	"github.com/banshee-data/coinsorter/internal/config"
	"github.com/banshee-data/coinsorter/internal/db"
	"github.com/banshee-data/coinsorter/internal/engine"
	"github.com/banshee-data/coinsorter/internal/metrics"
	"github.com/banshee-data/coinsorter/internal/monitoring"
	"github.com/banshee-data/coinsorter/internal/serialmux"
	"github.com/banshee-data/coinsorter/internal/timeutil"
	"github.com/banshee-data/coinsorter/internal/version"
)

// RunCmd starts the sorter.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sorting engine and its HTTP interface",
	Long: `Run opens the sensor and actuator serial ports, loads the newest committed
profile set and sorts coins until interrupted.

With --dev the sensor port is replaced by a synthetic coin stream built from
the configured currency system, and gate commands are discarded.`,
	RunE: runSorter,
}

var runOpts struct {
	sensorPort   string
	actuatorPort string
	baudRate     int
	listen       string
	retention    time.Duration
	demoInterval time.Duration
	demoCoins    int
}

func init() {
	f := RunCmd.Flags()
	f.StringVar(&runOpts.sensorPort, "sensor-port", "/dev/ttyUSB0", "Sensor driver serial port")
	f.StringVar(&runOpts.actuatorPort, "actuator-port", "/dev/ttyUSB1", "Actuator board serial port")
	f.IntVar(&runOpts.baudRate, "baud", serialmux.DefaultBaudRate, "Baud rate for both serial ports")
	f.StringVar(&runOpts.listen, "listen", ":8080", "HTTP listen address")
	f.DurationVar(&runOpts.retention, "retention", 30*24*time.Hour, "How long archived transits and faults are kept")
	f.DurationVar(&runOpts.demoInterval, "demo-interval", 20*time.Millisecond, "Line interval of the synthetic stream (--dev)")
	f.IntVar(&runOpts.demoCoins, "demo-coins", 500, "Coins in the synthetic stream (--dev)")
}

func runSorter(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitoring.Logf("%s starting", version.Get())
	calib := loadManager(ctx, cfg, database)

	sensors, actuator, err := openPorts(cfg)
	if err != nil {
		return err
	}
	defer sensors.Close()
	defer actuator.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := engine.New(engine.Deps{
		Config:      cfg,
		Clock:       timeutil.RealClock{},
		Calibration: calib,
		Sensors:     sensors,
		Actuator:    actuator,
		Archive:     database,
		Recorder:    metrics.NewRecorder(reg),
		Events:      metrics.NewBroadcaster(0),
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	apiMux := api.NewServer(eng, database, reg).ServeMux()
	for _, p := range []string{"/api/", "/metrics", "/debug/confidence"} {
		mux.Handle(p, apiMux)
	}
	if err := database.AttachAdminRoutes(mux); err != nil {
		return err
	}
	sensors.AttachAdminRoutes(mux)
	actuator.AttachAdminRoutes(mux)

	srv := &http.Server{Addr: runOpts.listen, Handler: api.LoggingMiddleware(mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.Warnf("HTTP server failed: %v", err)
			stop()
		}
	}()
	monitoring.Logf("listening on %s", runOpts.listen)

	retention := db.NewRetentionWorker(database, runOpts.retention)
	retention.Start()
	defer retention.Stop()

	runErr := eng.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("HTTP shutdown: %v", err)
	}
	eng.Events().Close()
	monitoring.Logf("sorter stopped")
	return runErr
}

type adminMux interface {
	serialmux.SerialMuxInterface
	AttachAdminRoutes(*http.ServeMux)
}

// openPorts opens the two serial collaborators, or their stand-ins in dev
// mode.
func openPorts(cfg *config.SorterConfig) (sensors, actuator adminMux, err error) {
	if Global.Dev {
		sys, err := catalog.Lookup(cfg.GetCurrencySystem())
		if err != nil {
			return nil, nil, err
		}
		script := demoScript(sys, cfg.GetStations(), runOpts.demoCoins, time.Now(), runOpts.demoInterval)
		monitoring.Logf("dev mode: replaying %d synthetic %s coins", runOpts.demoCoins, sys.Name)
		return serialmux.NewScriptedSerialMux("sensor", script, runOpts.demoInterval),
			serialmux.NewDisabledSerialMux("actuator"), nil
	}

	opts := serialmux.PortOptions{BaudRate: runOpts.baudRate}
	factory := serialmux.NewRealSerialPortFactory()
	s, err := serialmux.OpenSerialMux(factory, runOpts.sensorPort, "sensor", opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sensor port %s: %w", runOpts.sensorPort, err)
	}
	a, err := serialmux.OpenSerialMux(factory, runOpts.actuatorPort, "actuator", opts)
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("failed to open actuator port %s: %w", runOpts.actuatorPort, err)
	}
	return s, a, nil
}

// demoScript synthesises sensor lines for n coins drawn from sys. Each
// line's timestamp is when the scripted port will deliver it, so coins
// reach the engine roughly on time. Values are converted back to raw
// sensor units through each sensor's scale and offset.
func demoScript(sys catalog.System, stations []config.StationConfig, n int, start time.Time, interval time.Duration) []string {
	if len(sys.Coins) == 0 || len(stations) == 0 {
		return nil
	}
	var lines []string
	at := func() int64 { return start.Add(time.Duration(len(lines)+1) * interval).UnixNano() }
	for i := 0; i < n; i++ {
		spec := sys.Coins[rand.IntN(len(sys.Coins))]
		st := stations[i%len(stations)]
		nominal := coin.Measurements{spec.DiameterMM, 1.5, spec.MassG, 0.5}
		for _, s := range st.Sensors {
			ch, err := coin.ParseChannel(s.Channel)
			if err != nil {
				continue
			}
			v := nominal[ch] * (1 + (rand.Float64()-0.5)*0.01)
			raw := (v - s.Offset) / s.GetScale()
			lines = append(lines, fmt.Sprintf("S,%s,%d,%.4f", s.ID, at(), raw))
		}
		lines = append(lines, fmt.Sprintf("B,%s,%d", st.ID, at()))
	}
	return lines
}
