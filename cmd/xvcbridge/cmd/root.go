package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openxvc/xvcbridge/pkg/driver"
	"github.com/openxvc/xvcbridge/pkg/stream"
	"github.com/openxvc/xvcbridge/pkg/tap"
	"github.com/openxvc/xvcbridge/pkg/xvc"
	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

const defaultPort = 2542
const defaultMaxVecLen = 32768

var (
	target     string
	port       int
	driverName string
	maxVecLen  uint32
	irqFile    string
	bitbangOpt bool
	logLevel   bool
	debugLevel int
)

var rootCmd = &cobra.Command{
	Use:   "xvcbridge",
	Short: "JTAG-to-Xilinx-Virtual-Cable network bridge",
	Long: `xvcbridge exposes a JTAG TAP behind a pluggable driver over TCP,
speaking the Xilinx Virtual Cable v1.0 wire protocol to any XVC client
(Vivado hw_server, openocd's xvc adapter, etc.).

Driver-specific switches (-i, -b, -l, -M) are forwarded to the chosen
driver's own argument parser; anything after "--" is passed through
verbatim, matching the original per-driver option scanner.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&target, "target", "t", "", "driver target (device path, or <vid>:<pid>[:serial] for usbjtag)")
	rootCmd.Flags().IntVarP(&port, "port", "p", defaultPort, "TCP port to listen on")
	rootCmd.Flags().StringVarP(&driverName, "driver", "D", "", "driver name (defaults to the registry's default driver)")
	rootCmd.Flags().Uint32VarP(&maxVecLen, "max-vec-len", "M", defaultMaxVecLen, "maximum shift vector length in bytes")
	rootCmd.Flags().StringVarP(&irqFile, "irq-file", "i", "", "UIO-style interrupt event file (fifo driver)")
	rootCmd.Flags().BoolVarP(&bitbangOpt, "bitbang", "b", false, "enable bit-banging fallback (serdes driver)")
	rootCmd.Flags().BoolVarP(&logLevel, "log-bscan", "l", false, "log the BSCAN register at each bit-bang level (serdes driver)")
	rootCmd.Flags().IntVarP(&debugLevel, "debug", "d", 0, "debug level; >0 attaches the TAP-state tracer")
}

// Execute runs the root command, exiting 1 on any error it returns.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, residual []string) error {
	logger := log.New(os.Stderr, "xvcbridge: ", log.LstdFlags)

	name := driverName
	if name == "" {
		name = driver.Default()
		if name == "" {
			return xvcerr.NewProtoErr("no -D <driver> given and no default driver registered")
		}
	}

	driverArgs := buildDriverArgs(cmd, residual)
	drv, err := driver.Create(name, driverArgs, target)
	if err != nil {
		return err
	}
	defer drv.Close()

	framer := stream.NewFramer(drv)
	if debugLevel > 0 {
		framer.SetTracer(tap.NewDumpCtx(logger))
	}

	srv, err := xvc.Listen(port, framer, maxVecLen, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
		srv.Close()
	}()

	logger.Printf("listening on port %d, driver %q", srv.Port(), name)
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	return nil
}

// buildDriverArgs reconstructs the option fragment a driver's own factory
// expects to re-parse: any flags the user set via cobra, re-encoded as
// plain "-flag value" tokens, followed by whatever cobra left unparsed
// (everything after "--").
func buildDriverArgs(cmd *cobra.Command, residual []string) []string {
	var out []string
	if cmd.Flags().Changed("irq-file") {
		out = append(out, "-i", irqFile)
	}
	if cmd.Flags().Changed("bitbang") && bitbangOpt {
		out = append(out, "-b")
	}
	if cmd.Flags().Changed("log-bscan") && logLevel {
		out = append(out, "-l")
	}
	if cmd.Flags().Changed("max-vec-len") {
		out = append(out, "-M", strconv.FormatUint(uint64(maxVecLen), 10))
	}
	out = append(out, residual...)
	return out
}
