// Command replay runs a packet capture of a sensor's result stream through
// the bridge's framer and parser and prints one JSON line per batch.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/banshee-data/vision-bridge/internal/config"
	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/framer"
	"github.com/banshee-data/vision-bridge/internal/link"
)

var (
	pcapFile   = flag.String("pcap", "", "Capture file (pcap or pcapng)")
	sensorPort = flag.Int("port", link.DefaultPort, "TCP port the sensor streams results from")
	policyName = flag.String("burst-policy", "all", "Records parsed per segment: latest or all")
	deviceFile = flag.String("device", "", "YAML device info file for batch headers")
	plotFile   = flag.String("plot", "", "Write a scatter plot of all detections to this PNG")
	quiet      = flag.Bool("quiet", false, "Print only the summary")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("-pcap is required")
	}

	policy, err := framer.ParsePolicy(*policyName)
	if err != nil {
		log.Fatalf("Invalid -burst-policy: %v", err)
	}
	device := config.DefaultDevice()
	if *deviceFile != "" {
		if device, err = config.LoadDevice(*deviceFile); err != nil {
			log.Fatalf("Failed to load device info: %v", err)
		}
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}
	defer f.Close()

	var tracks *trackPlot
	if *plotFile != "" {
		tracks = newTrackPlot()
	}
	enc := json.NewEncoder(os.Stdout)
	stats, err := replay(f, *sensorPort, policy, device, func(batch detection.RecognizedObjects, set detection.Set) {
		if !*quiet {
			if err := enc.Encode(batch.AsMap()); err != nil {
				log.Fatalf("Failed to write batch: %v", err)
			}
		}
		if tracks != nil {
			tracks.add(set)
		}
	})
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	log.Printf("replayed %s: %d packets, %d segments (%d bytes), %d connections, %d records, %d batches, %d parse errors",
		*pcapFile, stats.Packets, stats.Segments, stats.Bytes, stats.Connections, stats.Records, stats.Batches, stats.ParseErrors)

	if tracks != nil {
		if err := tracks.save(*plotFile, fmt.Sprintf("%s (%d batches)", device.Name, stats.Batches)); err != nil {
			log.Fatalf("Failed to write plot: %v", err)
		}
		log.Printf("wrote %s", *plotFile)
	}
}
