package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/artemis/chunkrelay/internal/config"
	"github.com/artemis/chunkrelay/internal/receiverclient"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	outputPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "receiver",
	Short: "List and download files from a chunk-relay coordinator",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List files available on the coordinator",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runList(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [file_id]",
	Short: "Download a file by its file_id",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDownload(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	sc := config.DefaultSenderConfig()
	sc.ApplyEnv()

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", sc.Server, "coordinator base URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	downloadCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	rootCmd.AddCommand(listCmd, downloadCmd)
}

func runList() error {
	sc := config.DefaultSenderConfig()
	sc.ApplyEnv()

	client := receiverclient.New(serverURL, sc.Timeout)

	files, err := client.ListFiles()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		fmt.Println("no files available")
		return nil
	}

	fmt.Println()
	fmt.Println("Available files:")
	fmt.Println(dashes(80))
	fmt.Printf("%-36s %-30s %-12s %-10s\n", "File ID", "Filename", "Size", "Status")
	fmt.Println(dashes(80))

	for _, f := range files {
		fmt.Printf("%-36s %-30s %-12s %-10s\n", f.FileID, f.Filename, fmt.Sprintf("%d B", f.Size), f.Status)
	}
	fmt.Println(dashes(80))

	return nil
}

func runDownload(fileID string) error {
	sc := config.DefaultSenderConfig()
	sc.ApplyEnv()

	client := receiverclient.New(serverURL, sc.Timeout)

	info, err := client.GetFile(fileID)
	if err != nil {
		return err
	}

	out := outputPath
	if out == "" {
		out = info.Filename
	} else if stat, err := os.Stat(out); err == nil && stat.IsDir() {
		out = filepath.Join(out, info.Filename)
	}

	fmt.Printf("downloading %s (%d bytes) to %s\n", info.Filename, info.Size, out)

	err = client.Download(fileID, out, func(downloaded, total int64, elapsed time.Duration) {
		if total == 0 {
			return
		}
		progress := float64(downloaded) / float64(total) * 100
		speed := 0.0
		if elapsed.Seconds() > 0 {
			speed = float64(downloaded) / elapsed.Seconds() / 1024
		}
		fmt.Printf("\rprogress: %.1f%% (%d/%d bytes) speed: %.1f KB/s", progress, downloaded, total, speed)
	})
	fmt.Println()

	if err != nil {
		return err
	}

	fmt.Printf("download completed: %s\n", out)
	return nil
}

func dashes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '-'
	}
	return string(b)
}
