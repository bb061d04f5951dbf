package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/rpc"
	"github.com/banshee-data/vision-bridge/internal/version"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge connection and stream status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var detectionsCmd = &cobra.Command{
	Use:   "detections",
	Short: "Print the latest detection set",
	Args:  cobra.NoArgs,
	RunE:  runDetections,
}

var getCellCmd = &cobra.Command{
	Use:   "get-cell [cell]",
	Short: "Read a spreadsheet cell, e.g. A005",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetCell,
}

var setCellCmd = &cobra.Command{
	Use:   "set-cell [cell] [value]",
	Short: "Write a spreadsheet cell",
	Long:  `Writes an integer, float or string value to a spreadsheet cell. Choose the encoding with --type.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runSetCell,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger an acquisition",
	Args:  cobra.NoArgs,
	RunE:  runTrigger,
}

var triggerEventCmd = &cobra.Command{
	Use:   "trigger-event [n]",
	Short: "Fire software event n (0-8)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTriggerEvent,
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Save the last acquired image as PNG",
	Args:  cobra.NoArgs,
	RunE:  runCapture,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recorded batches, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream batches over gRPC as JSON lines",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("visionctl version", version.String())
	},
}

var (
	cellType     string
	captureOut   string
	historyLimit int
	watchCount   int
)

func init() {
	setCellCmd.Flags().StringVarP(&cellType, "type", "t", "string", "Value type: int, float or string")
	captureCmd.Flags().StringVarP(&captureOut, "output", "o", "capture.png", "Output PNG path")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of batches")
	watchCmd.Flags().IntVarP(&watchCount, "count", "c", 0, "Stop after this many batches (0 runs until interrupted)")

	rootCmd.AddCommand(statusCmd, detectionsCmd, getCellCmd, setCellCmd, triggerCmd,
		triggerEventCmd, captureCmd, historyCmd, watchCmd, versionCmd)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status map[string]interface{}
	if err := apiClient.GetJSON(cmd.Context(), "/api/status", &status); err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	return printJSON(cmd, status)
}

func runDetections(cmd *cobra.Command, args []string) error {
	var set detection.Set
	if err := apiClient.GetJSON(cmd.Context(), "/api/detections", &set); err != nil {
		return fmt.Errorf("failed to get detections: %w", err)
	}
	if len(set) == 0 {
		cmd.Println("No objects detected")
		return nil
	}
	cmd.Printf("%-16s %10s %10s %9s %6s\n", "NAME", "X (m)", "Y (m)", "ANGLE", "CONF")
	for _, name := range set.Names() {
		o := set[name]
		cmd.Printf("%-16s %10.4f %10.4f %9.2f %6.2f\n", o.Name, o.X, o.Y, o.Angle, o.Confidence)
	}
	return nil
}

func runGetCell(cmd *cobra.Command, args []string) error {
	var resp struct {
		Value string `json:"value"`
	}
	if err := apiClient.GetJSON(cmd.Context(), "/api/cells/"+args[0], &resp); err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	cmd.Println(resp.Value)
	return nil
}

// cellValue converts the command line value to the JSON value the API
// expects for t.
func cellValue(t, raw string) (interface{}, error) {
	switch t {
	case "int":
		return strconv.Atoi(raw)
	case "float":
		return strconv.ParseFloat(raw, 64)
	case "string":
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown type %q (want int, float or string)", t)
	}
}

func runSetCell(cmd *cobra.Command, args []string) error {
	v, err := cellValue(cellType, args[1])
	if err != nil {
		return err
	}
	body := map[string]interface{}{"type": cellType, "value": v}
	if err := apiClient.SendJSON(cmd.Context(), http.MethodPut, "/api/cells/"+args[0], body, nil); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[0], err)
	}
	cmd.Printf("%s = %v\n", args[0], v)
	return nil
}

func runTrigger(cmd *cobra.Command, args []string) error {
	if err := apiClient.SendJSON(cmd.Context(), http.MethodPost, "/api/trigger", nil, nil); err != nil {
		return fmt.Errorf("trigger failed: %w", err)
	}
	cmd.Println("Triggered")
	return nil
}

func runTriggerEvent(cmd *cobra.Command, args []string) error {
	if _, err := strconv.Atoi(args[0]); err != nil {
		return fmt.Errorf("event must be a number: %q", args[0])
	}
	if err := apiClient.SendJSON(cmd.Context(), http.MethodPost, "/api/trigger/"+args[0], nil, nil); err != nil {
		return fmt.Errorf("trigger event %s failed: %w", args[0], err)
	}
	cmd.Printf("Triggered event %s\n", args[0])
	return nil
}

func runCapture(cmd *cobra.Command, args []string) error {
	data, err := apiClient.GetBytes(cmd.Context(), "/api/image")
	if err != nil {
		return fmt.Errorf("failed to capture image: %w", err)
	}
	if err := os.WriteFile(captureOut, data, 0o644); err != nil {
		return err
	}
	cmd.Printf("Saved %d bytes to %s\n", len(data), captureOut)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	var records []struct {
		Seq        uint64                     `json:"seq"`
		CapturedAt string                     `json:"captured_at"`
		Objects    []detection.DetectedObject `json:"objects"`
	}
	path := "/api/history?limit=" + strconv.Itoa(historyLimit)
	if err := apiClient.GetJSON(cmd.Context(), path, &records); err != nil {
		return fmt.Errorf("failed to get history: %w", err)
	}
	for _, r := range records {
		names := make([]string, 0, len(r.Objects))
		for _, o := range r.Objects {
			names = append(names, o.Name)
		}
		sort.Strings(names)
		cmd.Printf("%8d  %s  %v\n", r.Seq, r.CapturedAt, names)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	client, conn, err := rpc.Dial(grpcTarget)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	enc := json.NewEncoder(cmd.OutOrStdout())
	seen := 0
	err = client.StreamDetections(ctx, func(batch map[string]any) error {
		if err := enc.Encode(batch); err != nil {
			return err
		}
		seen++
		if watchCount > 0 && seen >= watchCount {
			cancel()
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
