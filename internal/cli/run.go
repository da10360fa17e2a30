package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/javanstorm/macvm/internal/bundle"
	"github.com/javanstorm/macvm/internal/channel"
	"github.com/javanstorm/macvm/internal/config"
	"github.com/javanstorm/macvm/internal/devices"
	"github.com/javanstorm/macvm/internal/metrics"
	"github.com/javanstorm/macvm/internal/shutdown"
	"github.com/javanstorm/macvm/internal/timing"
	"github.com/javanstorm/macvm/internal/version"
	"github.com/javanstorm/macvm/internal/vm"
	"github.com/javanstorm/macvm/pkg/hypervisor"
)

// Startup timing phases (MACVM_TIMING=1):
//   - validate:  config checks against host limits
//   - identity:  bundle lock and platform identity
//   - devices:   device topology
//   - configure: host validation and instantiation
//   - boot:      restore or cold start
//
// Time spent in each lifecycle state is appended as "state <name>".

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start or restore the virtual machine",
	Long: `Start the macOS virtual machine from the VM bundle.

If the previous run saved the machine's state, it is restored and resumed;
the save file is removed whether or not the restore works. Otherwise the
machine boots from its disk.

SIGINT or SIGTERM pauses the machine, saves its state to the bundle and
then exits.`,
	RunE: runRun,
}

var (
	runSocketPort    uint32
	runRetryInterval time.Duration
	runMemory        string
	runMACAddress    string
)

func init() {
	runCmd.Flags().Uint32Var(&runSocketPort, "socket-port", 0, "socket device port (default 8080)")
	runCmd.Flags().DurationVar(&runRetryInterval, "retry-interval", 0, "pause between failed socket connects")
	runCmd.Flags().StringVar(&runMemory, "memory", "", "guest memory, e.g. 8GiB (clamped to host limits)")
	runCmd.Flags().StringVar(&runMACAddress, "mac", "", "fixed locally administered MAC address")
}

// newHost is replaced in tests.
var newHost = hypervisor.NewHost

func runRun(cmd *cobra.Command, args []string) error {
	cfg := *config.Global
	applyRunFlags(cmd, &cfg)

	host, err := newHost()
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	log := logrus.NewEntry(logrus.StandardLogger())
	return runSession(cmd.Context(), &cfg, sessionEnv{
		Host:  host,
		Quit:  sigCh,
		Log:   log,
		Fatal: vm.DefaultFatal(log),
		Out:   os.Stderr,
	})
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("socket-port") {
		cfg.SocketPort = runSocketPort
	}
	if flags.Changed("retry-interval") {
		cfg.RetryInterval = runRetryInterval
	}
	if flags.Changed("memory") {
		cfg.Memory = runMemory
	}
	if flags.Changed("mac") {
		cfg.MACAddress = runMACAddress
	}
}

// sessionEnv holds what a session needs from the outside world.
type sessionEnv struct {
	Host hypervisor.Host

	// Quit delivers quit requests.
	Quit <-chan os.Signal

	Log   *logrus.Entry
	Fatal vm.FatalFunc

	// Out receives the validation and timing reports.
	Out io.Writer
}

// runSession runs the machine until a quit request has been answered.
func runSession(ctx context.Context, cfg *config.Config, env sessionEnv) error {
	log := env.Log

	var timer *timing.Timer
	if timing.Enabled() {
		timer = timing.New()
		defer timer.Report(env.Out)
	}
	mark := func(name string) {
		if timer != nil {
			timer.Mark(name)
		}
	}

	limits := env.Host.Limits()
	if problems := config.ValidateConfig(cfg, limits); len(problems) > 0 {
		fmt.Fprint(env.Out, config.FormatValidationErrors(problems))
		if config.HasFatal(problems) {
			return errors.New("invalid configuration")
		}
	}
	mark("validate")

	layout := bundle.Layout{Dir: cfg.BundleDir}
	identity, err := bundle.LoadIdentity(layout)
	if err != nil {
		return err
	}

	lock := bundle.NewLock(layout)
	if err := lock.TryLock(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.WithError(err).Warn("Failed to release bundle lock")
		}
	}()
	mark("identity")

	memory, err := cfg.MemoryBytes()
	if err != nil {
		return err
	}
	mac, err := cfg.HardwareAddr()
	if err != nil {
		return err
	}
	builder := devices.Builder{Limits: limits, MemorySize: memory, MACAddress: mac}
	spec, err := builder.Build(identity, layout.DiskImagePath())
	if err != nil {
		return err
	}
	log.WithField("bundle", layout.Dir).Infof("Machine: %s", devices.Describe(spec))
	mark("devices")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var observers []vm.Observer
	var recorder channel.Recorder
	if cfg.MetricsAddr != "" {
		reg := metrics.NewRegistry()
		m := metrics.New(reg)
		observers = append(observers, m.Observe)
		recorder = m
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, reg, log.WithField("component", "metrics"))
		})
	}
	if timer != nil {
		observers = append(observers, func(from, _ vm.State, elapsed time.Duration) {
			timer.Add("state "+from.String(), elapsed)
		})
	}

	ch := &channelSession{
		ctx:  gctx,
		port: cfg.SocketPort,
		cfg: channel.Config{
			RetryInterval: cfg.RetryInterval,
			Recorder:      recorder,
			Log:           log,
		},
		log: log,
	}
	defer ch.close()

	runLog := vm.NewRunLog(cfg.DataDir)
	ctrl, err := vm.NewController(vm.ControllerConfig{
		Host:      env.Host,
		Spec:      spec,
		SaveFile:  layout.SaveFile(),
		RunLog:    runLog,
		Log:       log,
		Fatal:     env.Fatal,
		OnRunning: ch.open,
		Observers: observers,
	})
	if err != nil {
		return err
	}

	if err := ctrl.Configure(ctx); err != nil {
		return err
	}
	log.WithField("mac", ctrl.Machine().MACAddress()).Info("Network device attached")
	mark("configure")

	// Quit requests are honoured while booting: the coordinator lets the
	// process go at once when the machine is not running yet.
	booted := make(chan error, 1)
	go func() { booted <- ctrl.Boot(ctx) }()

	select {
	case err := <-booted:
		if err != nil {
			return err
		}
		mark("boot")
		log.WithFields(logrus.Fields{
			"run_id":  runLog.RunID(),
			"version": version.String(),
		}).Info("Virtual machine running")

		select {
		case sig := <-env.Quit:
			log.WithField("signal", sig).Info("Quit requested")
		case <-gctx.Done():
			log.Warn("Supervised task stopped, shutting down")
		}
	case sig := <-env.Quit:
		log.WithField("signal", sig).Info("Quit requested while booting")
	}

	coord := shutdown.New(ctrl, log)
	reply, done := coord.ShouldTerminate(context.Background())
	if reply == shutdown.TerminateLater {
	wait:
		for {
			select {
			case <-done:
				break wait
			case sig := <-env.Quit:
				log.WithField("signal", sig).Info("Still saving, please wait")
				coord.ShouldTerminate(context.Background())
			}
		}
	}

	saveErr := coord.Err()
	if err := runLog.RecordShutdown(saveErr == nil); err != nil {
		log.WithError(err).Warn("Failed to record shutdown")
	}

	cancel()
	ch.close()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("Supervised task failed")
	}
	return saveErr
}

// channelSession opens the socket channel each time the machine reaches
// the running state. Once closed it stays closed: a boot that completes
// after the session ended opens nothing.
type channelSession struct {
	ctx  context.Context
	port uint32
	cfg  channel.Config
	log  *logrus.Entry

	mu     sync.Mutex
	mgr    *channel.Manager
	closed bool
}

func (s *channelSession) open(m hypervisor.Machine) {
	dev, err := m.SocketDevice()
	if err != nil {
		s.log.WithError(err).Warn("No socket device, control channel disabled")
		return
	}

	// Open does not block, so it runs under the lock and never races close.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.mgr == nil {
		s.mgr = channel.NewManager(dev, s.cfg)
	}
	if err := s.mgr.Open(s.ctx, s.port); err != nil {
		s.log.WithError(err).Warn("Failed to open control channel")
	}
}

func (s *channelSession) close() {
	s.mu.Lock()
	mgr := s.mgr
	s.mgr = nil
	s.closed = true
	s.mu.Unlock()

	if mgr != nil {
		if err := mgr.Close(); err != nil {
			s.log.WithError(err).Debug("Closing control channel")
		}
	}
}
