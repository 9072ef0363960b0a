package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nasa-jpl/delayscan/config"
	"github.com/nasa-jpl/delayscan/experiment"
	"github.com/nasa-jpl/delayscan/liveplot"
	"github.com/nasa-jpl/delayscan/server"
	"github.com/nasa-jpl/delayscan/spectrometer"
	"github.com/nasa-jpl/delayscan/util"
)

// serve runs srv until ctx is done
func serve(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	log.Info("listening", zap.String("addr", srv.Addr))
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shut)
	}
}

func (a *app) lockinCmd(live bool) *cobra.Command {
	var (
		sweep    bool
		httpAddr string
	)
	cmd := &cobra.Command{
		Use:   "lockin",
		Short: "run a lock-in delay scan and export RTA_readings.xlsx",
		Args:  cobra.NoArgs,
	}
	if live {
		cmd.Use = "live"
		cmd.Short = "run a lock-in delay scan, redrawing live.png at every step"
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		settings, err := a.scanSettings()
		if err != nil {
			return err
		}
		b, err := a.openBench(need{stage: true, lockin: true})
		if err != nil {
			return err
		}
		r, cleanup, err := a.runner(b, settings)
		if err != nil {
			return multierr.Append(err, b.close())
		}
		defer cleanup()

		ctx := cmd.Context()
		if live {
			if err := os.MkdirAll(a.conf.OutputDir, 0o755); err != nil {
				return multierr.Append(err, r.Close())
			}
			p := liveplot.New(filepath.Join(a.conf.OutputDir, "live.png"), a.log)
			r.Observer = p
			if httpAddr != "" {
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(ctx)
				defer cancel()
				// no stage or lock-in routes: the scan owns the devices
				view := server.New(server.Options{
					Metrics:   r.Metrics.Handler(),
					Live:      p,
					LivePNG:   p.ServePNG,
					OutputDir: a.conf.OutputDir,
					Log:       a.log,
				})
				go func() {
					if err := serve(ctx, &http.Server{Addr: httpAddr, Handler: view}, a.log); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Warn("live view server", zap.Error(err))
					}
				}()
			}
		}
		path, err := r.LockInProcedure(ctx, experiment.LockInOptions{OfferSweep: sweep, SweepStep: a.conf.Scan.SweepStep})
		if path != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", path)
		}
		return err
	}
	cmd.Flags().BoolVar(&sweep, "sweep", false, "offer a quick sweep to find the overlap first")
	if live {
		cmd.Flags().StringVar(&httpAddr, "http", "", "also serve the live view at this address")
	}
	return cmd
}

func (a *app) spectralCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "spectral",
		Short: "run a spectrometer delay scan and export Spectrometer_readings.xlsx",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := a.scanSettings()
			if err != nil {
				return err
			}
			b, err := a.openBench(need{stage: true, spectrometer: true})
			if err != nil {
				return err
			}
			r, cleanup, err := a.runner(b, settings)
			if err != nil {
				return multierr.Append(err, b.close())
			}
			defer cleanup()
			path, err := r.SpectralProcedure(cmd.Context())
			if path != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", path)
			}
			return err
		},
	}
}

func (a *app) sweepCmd() *cobra.Command {
	var start, stop, step float64
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "sweep the stage quickly and report where the T boxcar peaks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := a.scanSettings()
			if err != nil {
				return err
			}
			b, err := a.openBench(need{stage: true, lockin: true})
			if err != nil {
				return err
			}
			r, cleanup, err := a.runner(b, settings)
			if err != nil {
				return multierr.Append(err, b.close())
			}
			defer cleanup()
			res, err := r.SweepProcedure(cmd.Context(), start, stop, step)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "peak %.4f mV at %.4f mm\n", res.ValuesMV[res.PeakIndex], res.PeakMM())
			return nil
		},
	}
	cmd.Flags().Float64Var(&start, "start", 0, "first position, mm")
	cmd.Flags().Float64Var(&stop, "stop", 225, "last position, mm")
	cmd.Flags().Float64Var(&step, "step", 1, "step, mm")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "serve manual stage and lock-in control over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBench(need{stage: true, lockin: true})
			if err != nil {
				return err
			}
			defer b.close()
			srv := server.New(server.Options{
				Stage:     b.stage,
				Limits:    map[string]util.Limiter{a.conf.Stage.Axis: a.conf.Scan.Limits},
				LockIn:    b.lock,
				Metrics:   newMetrics().Handler(),
				OutputDir: a.conf.OutputDir,
				Log:       a.log,
			})
			err = serve(cmd.Context(), &http.Server{Addr: a.conf.Addr, Handler: srv}, a.log)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}
}

func (a *app) portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "list serial ports, to find the stage controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := serial.GetPortsList()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func (a *app) usbCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usb",
		Short: "list attached StellarNet spectrometers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, err := spectrometer.Devices()
			if err != nil {
				return err
			}
			if len(devs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no spectrometers found")
			}
			for _, d := range devs {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "list recent runs from the run catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openCatalog()
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("the run catalog is disabled, set catalog in the configuration")
			}
			defer store.Close()
			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tKIND\tSTEPS\tPEAK (mm)\tFILE\tERROR")
			for _, run := range runs {
				peak := "-"
				if run.PeakMM != nil {
					peak = fmt.Sprintf("%.4f", *run.PeakMM)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					run.Started.Format(time.DateTime), run.Kind, run.Steps, peak, run.File, run.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func (a *app) mkconfCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "mkconf",
		Short: "write the default configuration to the --config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(a.confPath, flags, 0o644)
			if err != nil {
				if os.IsExist(err) {
					return fmt.Errorf("%s exists, use --force to overwrite it", a.confPath)
				}
				return err
			}
			err = config.Render(f, config.Default())
			return multierr.Append(err, f.Close())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func (a *app) confCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "print the effective configuration and check it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Render(cmd.OutOrStdout(), a.conf); err != nil {
				return err
			}
			if err := a.conf.Validate(); err != nil {
				a.log.Warn("configuration is not ready to scan", zap.Error(err))
			}
			return nil
		},
	}
}
