package main

import (
	"fmt"
	"os"
	"time"

	"github.com/artemis/chunkrelay/internal/config"
	"github.com/artemis/chunkrelay/internal/model"
	"github.com/artemis/chunkrelay/internal/uploader"
	"github.com/spf13/cobra"
)

var (
	chunkSize  int
	priority   string
	maxRetries int
	serverURL  string
	adaptive   bool
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sender [file]",
	Short: "Upload a file to a chunk-relay coordinator",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runSend(args[0]))
	},
}

func init() {
	sc := config.DefaultSenderConfig()
	sc.ApplyEnv()

	rootCmd.Flags().IntVar(&chunkSize, "chunk-size", sc.ChunkSize, "initial chunk size in bytes")
	rootCmd.Flags().StringVar(&priority, "priority", "normal", "transfer priority: high, normal, or low")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", sc.MaxRetries, "maximum retries per chunk")
	rootCmd.Flags().StringVar(&serverURL, "server", sc.Server, "coordinator base URL")
	rootCmd.Flags().BoolVar(&adaptive, "adaptive", true, "enable adaptive chunk sizing")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}

func runSend(path string) int {
	sc := config.DefaultSenderConfig()
	sc.ApplyEnv()

	cfg := uploader.Config{
		Server:     serverURL,
		Timeout:    sc.Timeout,
		ChunkSize:  chunkSize,
		MaxRetries: maxRetries,
		Priority:   model.Priority(priority),
		Adaptive:   adaptive,
	}

	u := uploader.New(cfg, printProgress)

	fmt.Fprintf(os.Stderr, "starting transfer: %s\n", path)
	fmt.Fprintf(os.Stderr, "server: %s\n", cfg.Server)

	code := u.Run(path)
	fmt.Fprintln(os.Stderr)

	switch code {
	case uploader.ExitSuccess:
		fmt.Fprintln(os.Stderr, "transfer completed successfully")
	case uploader.ExitAborted:
		fmt.Fprintln(os.Stderr, "transfer aborted after exhausting retry budget")
	case uploader.ExitAssemblyFail:
		fmt.Fprintln(os.Stderr, "assembly failed on coordinator")
	}

	return code
}

// printProgress renders a simple bar/speed/ETA line, grounded on the
// reference sender's progress output.
func printProgress(completed, total int, bytesTransferred int64, elapsed time.Duration) {
	if total == 0 {
		return
	}

	progress := float64(completed) / float64(total)

	var speed float64
	var eta time.Duration
	if elapsed.Seconds() > 0 {
		speed = float64(bytesTransferred) / elapsed.Seconds()
		if completed > 0 {
			eta = time.Duration(float64(total-completed) * (elapsed.Seconds() / float64(completed)) * float64(time.Second))
		}
	}

	const barLength = 40
	filled := int(barLength * progress)
	bar := ""
	for i := 0; i < barLength; i++ {
		if i < filled {
			bar += "#"
		} else {
			bar += "-"
		}
	}

	fmt.Fprintf(os.Stderr, "\r[%s] %5.1f%% (%d/%d) | %s | ETA: %s",
		bar, progress*100, completed, total, formatSpeed(speed), formatETA(eta))
}

func formatSpeed(speed float64) string {
	switch {
	case speed > 1024*1024:
		return fmt.Sprintf("%.1f MB/s", speed/(1024*1024))
	case speed > 1024:
		return fmt.Sprintf("%.1f KB/s", speed/1024)
	default:
		return fmt.Sprintf("%.0f B/s", speed)
	}
}

func formatETA(eta time.Duration) string {
	switch {
	case eta > time.Hour:
		return fmt.Sprintf("%.1fh", eta.Hours())
	case eta > time.Minute:
		return fmt.Sprintf("%.1fm", eta.Minutes())
	default:
		return fmt.Sprintf("%.0fs", eta.Seconds())
	}
}
