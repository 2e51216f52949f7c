package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ktask/internal/hal"
	"ktask/internal/job"
	"ktask/internal/sched"
)

func newRunCmd() *cobra.Command {
	var (
		cpus      int
		policy    string
		tasks     int
		sleep     time.Duration
		timeout   time.Duration
		trace     bool
		showTicks bool
		traceCSV  string
	)

	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Boot a kernel and run one scenario",
		Long: fmt.Sprintf(`Boot a kernel on the host clock and run one scenario.

Scenarios: %s`, strings.Join(job.Names(), ", ")),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, ok := job.Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown scenario %q (known: %s)", args[0], strings.Join(job.Names(), ", "))
			}

			runCfg := cfg
			if cmd.Flags().Changed("cpus") {
				runCfg.CPUs = cpus
			}
			if cmd.Flags().Changed("policy") {
				runCfg.Policy = policy
			}
			runCfg, opts := job.Prepare(s, runCfg, job.Options{Tasks: tasks, Sleep: sleep})

			host := hal.NewHost()
			k, err := sched.New(runCfg, host, logger)
			if err != nil {
				return fmt.Errorf("boot kernel: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			// Handle signals.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case <-sigCh:
					logger.Info("received interrupt, cancelling...")
					cancel()
				case <-ctx.Done():
				}
			}()

			var tracer *sched.Tracer
			tracerDone := make(chan error, 1)
			if trace || traceCSV != "" {
				var console = cmd.OutOrStdout()
				if !trace {
					console = nil
				}
				tracer = sched.NewTracer(console, runCfg.TraceBuffer)
				tracer.ShowTicks(showTicks)
				if traceCSV != "" {
					if err := tracer.EnableCSVLogging(traceCSV); err != nil {
						return err
					}
				}
				k.SetTracer(tracer)
				go func() { tracerDone <- tracer.Run(context.Background()) }()
			}

			logger.Info("running scenario", "scenario", s.Name, "boot", k.BootID())
			start := time.Now()
			k.Start()
			runErr := s.Run(ctx, k, cmd.OutOrStdout(), opts)
			elapsed := time.Since(start)
			k.Shutdown()

			if tracer != nil {
				k.SetTracer(nil)
				tracer.Close()
				if err := <-tracerDone; err != nil {
					logger.Warn("trace output failed", "error", err)
				}
				if n := tracer.Dropped(); n > 0 {
					logger.Warn("trace events dropped", "count", n)
				}
			}

			printReport(cmd, k, host, s.Name, elapsed)
			if runErr != nil {
				return fmt.Errorf("scenario %s: %w", s.Name, runErr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PASS %s\n", s.Name)
			return nil
		},
	}

	cmd.Flags().IntVar(&cpus, "cpus", 1, "Number of CPUs (overrides config)")
	cmd.Flags().StringVar(&policy, "policy", "fifo", "Scheduling policy: fifo, rr, cfs, mlfq, sjf (overrides config)")
	cmd.Flags().IntVar(&tasks, "tasks", 10, "Tasks per scenario")
	cmd.Flags().DurationVar(&sleep, "sleep", time.Second, "Duration of the sleep scenario")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Abort the scenario after this long")
	cmd.Flags().BoolVar(&trace, "trace", false, "Print scheduler events")
	cmd.Flags().BoolVar(&showTicks, "show-ticks", false, "Include timer ticks in the trace")
	cmd.Flags().StringVar(&traceCSV, "trace-csv", "", "Write scheduler events to a CSV file")

	return cmd
}

func printReport(cmd *cobra.Command, k *sched.Kernel, host *hal.Host, name string, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	cfg := k.Config()
	fmt.Fprintf(out, "\nscenario %s on %d CPU(s), policy %s, ran %v\n", name, k.NumCPU(), cfg.Policy, elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "%-6s  %10s  %10s\n", "CPU", "TICKS", "SWITCHES")
	fmt.Fprintf(out, "%-6s  %10s  %10s\n", "---", "-----", "--------")
	var ticks, switches uint64
	for i := 0; i < k.NumCPU(); i++ {
		rq := k.CPU(i)
		ticks += rq.Ticks()
		switches += rq.Switches()
		fmt.Fprintf(out, "%-6d  %10s  %10s\n", i, humanize.Comma(int64(rq.Ticks())), humanize.Comma(int64(rq.Switches())))
	}
	fmt.Fprintf(out, "%-6s  %10s  %10s\n", "total", humanize.Comma(int64(ticks)), humanize.Comma(int64(switches)))
	fmt.Fprintf(out, "interrupts: %s timer, %s IPI\n", humanize.Comma(host.Ticks()), humanize.Comma(host.IPIs()))
}
